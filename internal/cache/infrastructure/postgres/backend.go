package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"equisync/internal/cache"
)

const defaultCacheTable = "cache_entries"

// Backend is a durable cache backend shared by every process pointed at the
// same database. Concurrent writers resolve by last write wins.
type Backend struct {
	db    *sql.DB
	table string
}

// BackendOption configures the backend.
type BackendOption func(*Backend)

// WithTable overrides the default table name.
func WithTable(table string) BackendOption {
	return func(b *Backend) {
		if table != "" {
			b.table = table
		}
	}
}

// NewBackend constructs a backend with the default table name.
func NewBackend(db *sql.DB, opts ...BackendOption) *Backend {
	b := &Backend{db: db, table: defaultCacheTable}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ cache.Backend[[]byte] = (*Backend)(nil)

// EnsureSchema creates the cache table when missing.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	if b == nil || b.db == nil {
		return errors.New("cache backend: nil db")
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s (expires_at)`, b.table, b.table),
	}
	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load returns the stored entry, expired or not.
func (b *Backend) Load(ctx context.Context, key string) (cache.Entry[[]byte], bool, error) {
	if b == nil || b.db == nil {
		return cache.Entry[[]byte]{}, false, errors.New("cache backend: nil db")
	}
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE key = $1`, b.table)

	var value []byte
	var expiresAt sql.NullTime
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry[[]byte]{}, false, nil
	}
	if err != nil {
		return cache.Entry[[]byte]{}, false, err
	}
	entry := cache.Entry[[]byte]{Value: value}
	if expiresAt.Valid {
		entry.Expiry = expiresAt.Time.UTC()
	}
	return entry, true, nil
}

// Save upserts the entry.
func (b *Backend) Save(ctx context.Context, key string, entry cache.Entry[[]byte]) error {
	if b == nil || b.db == nil {
		return errors.New("cache backend: nil db")
	}
	if key == "" {
		return errors.New("cache backend: empty key")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, value, expires_at, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (key)
DO UPDATE SET
	value = EXCLUDED.value,
	expires_at = EXCLUDED.expires_at,
	updated_at = NOW()`, b.table)

	_, err := b.db.ExecContext(ctx, query, key, entry.Value, nullTime(entry.Expiry))
	return err
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if b == nil || b.db == nil {
		return errors.New("cache backend: nil db")
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, b.table), key)
	return err
}

// Evict removes key while its stored expiry equals expiry.
func (b *Backend) Evict(ctx context.Context, key string, expiry time.Time) error {
	if b == nil || b.db == nil {
		return errors.New("cache backend: nil db")
	}
	if expiry.IsZero() {
		_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at IS NULL`, b.table), key)
		return err
	}
	_, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1 AND expires_at = $2`, b.table), key, expiry.UTC())
	return err
}

// Keys lists keys with the prefix in ascending order.
func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	if b == nil || b.db == nil {
		return nil, errors.New("cache backend: nil db")
	}
	query := fmt.Sprintf(`
SELECT key
FROM %s
WHERE left(key, char_length($1)) = $1
ORDER BY key ASC`, b.table)

	rows, err := b.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeletePrefix removes every key with the prefix.
func (b *Backend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if b == nil || b.db == nil {
		return 0, errors.New("cache backend: nil db")
	}
	res, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE left(key, char_length($1)) = $1`, b.table), prefix)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
