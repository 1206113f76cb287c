package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	measurements "equisync/internal/measurements/domain"
)

// ReadingQueue is an in-memory local reading queue for tests and single-node runs.
type ReadingQueue struct {
	mu   sync.RWMutex
	data map[string]measurements.Reading
}

// NewReadingQueue constructs an empty queue.
func NewReadingQueue() *ReadingQueue {
	return &ReadingQueue{data: make(map[string]measurements.Reading)}
}

// Enqueue stores readings. A reading with an existing id replaces it.
func (q *ReadingQueue) Enqueue(ctx context.Context, readings []measurements.Reading) error {
	_ = ctx
	for _, r := range readings {
		if r.ID == "" {
			return errors.New("reading queue: empty id")
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range readings {
		q.data[r.ID] = r
	}
	return nil
}

// Pending returns unsynced readings for key ordered by timestamp then creation.
func (q *ReadingQueue) Pending(ctx context.Context, key measurements.SeriesKey) ([]measurements.Reading, error) {
	_ = ctx
	q.mu.RLock()
	defer q.mu.RUnlock()
	result := make([]measurements.Reading, 0)
	for _, r := range q.data {
		if r.Key != key || r.SyncedAt != nil {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.Before(result[j].Timestamp)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// MarkSynced stamps the readings as acknowledged. Unknown ids are ignored.
func (q *ReadingQueue) MarkSynced(ctx context.Context, ids []string, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		return errors.New("reading queue: zero sync time")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		r, ok := q.data[id]
		if !ok {
			continue
		}
		syncedAt := at
		r.SyncedAt = &syncedAt
		q.data[id] = r
	}
	return nil
}

// PurgeSynced deletes readings synced before the cutoff.
func (q *ReadingQueue) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, r := range q.data {
		if r.SyncedAt != nil && r.SyncedAt.Before(before) {
			delete(q.data, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored readings, synced or not.
func (q *ReadingQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.data)
}
