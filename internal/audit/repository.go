package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultAuditTable = "audit_logs"

// Repository writes audit logs.
type Repository struct {
	db    *sql.DB
	table string
}

// NewRepository constructs an audit repository.
func NewRepository(db *sql.DB, table string) *Repository {
	if db == nil {
		return nil
	}
	if table == "" {
		table = defaultAuditTable
	}
	return &Repository{db: db, table: table}
}

// EnsureSchema creates the audit table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	role TEXT NOT NULL,
	stable TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	horse_id TEXT NOT NULL,
	metric TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	payload_digest TEXT NOT NULL DEFAULT '',
	ip TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`, r.table))
	return err
}

// Log writes an audit entry.
func (r *Repository) Log(ctx context.Context, entry Entry) error {
	if r == nil || r.db == nil {
		return errors.New("audit repo: nil db")
	}
	if entry.ID == "" {
		entry.ID = NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.PayloadDigest == "" {
		entry.PayloadDigest = DigestJSON(entry.Metadata)
	}
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = []byte(entry.Metadata)
	}

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (
	id, actor, role, stable, action, horse_id, metric,
	metadata, payload_digest, ip, user_agent, created_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)`, r.table), entry.ID, entry.Actor, entry.Role, entry.Stable, entry.Action, entry.HorseID, entry.Metric,
		metadata, entry.PayloadDigest, entry.IP, entry.UserAgent, entry.CreatedAt)
	return err
}

// CountByHorse returns how many entries exist for a horse.
func (r *Repository) CountByHorse(ctx context.Context, horseID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("audit repo: nil db")
	}
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE horse_id = $1`, r.table), horseID).Scan(&count)
	return count, err
}
