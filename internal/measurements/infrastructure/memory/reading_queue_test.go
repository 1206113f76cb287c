package memory

import (
	"context"
	"testing"
	"time"

	measurements "equisync/internal/measurements/domain"
)

func TestReadingQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewReadingQueue()
	key := measurements.SeriesKey{HorseID: "mare-17", Metric: "weight"}
	other := measurements.SeriesKey{HorseID: "gelding-3", Metric: "weight"}
	ts := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	err := q.Enqueue(ctx, []measurements.Reading{
		{ID: "b", Key: key, Value: 482, Timestamp: ts.Add(time.Hour), Confidence: 1},
		{ID: "a", Key: key, Value: 480, Timestamp: ts, Confidence: 1},
		{ID: "c", Key: other, Value: 510, Timestamp: ts, Confidence: 1},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := q.Pending(ctx, key)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	if err := q.MarkSynced(ctx, []string{"a", "missing"}, ts.Add(2*time.Hour)); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	pending, _ = q.Pending(ctx, key)
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Fatalf("expected only b pending, got %+v", pending)
	}

	removed, err := q.PurgeSynced(ctx, ts.Add(time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing purged before sync time, got %d %v", removed, err)
	}
	removed, err = q.PurgeSynced(ctx, ts.Add(3*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("expected one purged, got %d %v", removed, err)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 readings left, got %d", q.Len())
	}
}

func TestReadingQueueRejectsEmptyID(t *testing.T) {
	if err := NewReadingQueue().Enqueue(context.Background(), []measurements.Reading{{}}); err == nil {
		t.Fatal("expected error for empty id")
	}
}
