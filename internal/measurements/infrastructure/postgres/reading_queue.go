package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	measurements "equisync/internal/measurements/domain"
)

const defaultReadingTable = "local_readings"

// ReadingQueue is the durable local reading queue. Rows stay until the server
// acknowledges them and the retention job purges them.
type ReadingQueue struct {
	db    *sql.DB
	table string
}

// QueueOption configures the queue.
type QueueOption func(*ReadingQueue)

// WithTable overrides the default table name.
func WithTable(table string) QueueOption {
	return func(q *ReadingQueue) {
		if table != "" {
			q.table = table
		}
	}
}

// NewReadingQueue constructs a queue using the default table name.
func NewReadingQueue(db *sql.DB, opts ...QueueOption) *ReadingQueue {
	q := &ReadingQueue{db: db, table: defaultReadingTable}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

var _ measurements.ReadingQueue = (*ReadingQueue)(nil)

// EnsureSchema creates the queue table when missing.
func (q *ReadingQueue) EnsureSchema(ctx context.Context) error {
	if q == nil || q.db == nil {
		return errors.New("reading queue: nil db")
	}
	statements := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	horse_id TEXT NOT NULL,
	metric TEXT NOT NULL,
	value DOUBLE PRECISION NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	recorded_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	synced_at TIMESTAMPTZ NULL
)`, q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_pending ON %s (horse_id, metric, ts) WHERE synced_at IS NULL`, q.table, q.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_synced_at ON %s (synced_at)`, q.table, q.table),
	}
	for _, stmt := range statements {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue inserts readings in one transaction. Re-enqueueing an id updates it
// and clears its sync mark.
func (q *ReadingQueue) Enqueue(ctx context.Context, readings []measurements.Reading) error {
	if q == nil || q.db == nil {
		return errors.New("reading queue: nil db")
	}
	if len(readings) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
INSERT INTO %s (id, horse_id, metric, value, ts, confidence, recorded_by, created_at, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
ON CONFLICT (id) DO UPDATE SET
	value = EXCLUDED.value,
	ts = EXCLUDED.ts,
	confidence = EXCLUDED.confidence,
	recorded_by = EXCLUDED.recorded_by,
	synced_at = NULL`, q.table)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range readings {
		if r.ID == "" {
			return errors.New("reading queue: empty id")
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Key.HorseID,
			r.Key.Metric,
			r.Value,
			r.Timestamp.UTC(),
			r.Confidence,
			r.RecordedBy,
			r.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("reading queue: insert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Pending returns unsynced readings for key ordered by timestamp.
func (q *ReadingQueue) Pending(ctx context.Context, key measurements.SeriesKey) ([]measurements.Reading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading queue: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, value, ts, confidence, recorded_by, created_at
FROM %s
WHERE horse_id = $1
	AND metric = $2
	AND synced_at IS NULL
ORDER BY ts ASC, created_at ASC, id ASC`, q.table)

	rows, err := q.db.QueryContext(ctx, query, key.HorseID, key.Metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]measurements.Reading, 0)
	for rows.Next() {
		r := measurements.Reading{Key: key}
		if err := rows.Scan(&r.ID, &r.Value, &r.Timestamp, &r.Confidence, &r.RecordedBy, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Timestamp = r.Timestamp.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

// MarkSynced stamps readings as acknowledged by the server.
func (q *ReadingQueue) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	if q == nil || q.db == nil {
		return errors.New("reading queue: nil db")
	}
	if at.IsZero() {
		return errors.New("reading queue: zero sync time")
	}
	if len(ids) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`UPDATE %s SET synced_at = $2 WHERE id = $1`, q.table))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, at.UTC()); err != nil {
			return fmt.Errorf("reading queue: mark %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PurgeSynced deletes readings synced before the cutoff.
func (q *ReadingQueue) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	if q == nil || q.db == nil {
		return 0, errors.New("reading queue: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE synced_at IS NOT NULL AND synced_at < $1`, q.table)
	res, err := q.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
