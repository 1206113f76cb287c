package measurements

import (
	"context"
	"time"
)

// Reading is a locally collected measurement waiting in the device queue until
// the server has acknowledged it.
type Reading struct {
	ID         string
	Key        SeriesKey
	Value      float64
	Timestamp  time.Time
	Confidence float64
	RecordedBy string
	CreatedAt  time.Time
	SyncedAt   *time.Time
}

// Measurement returns the reading as a local-source measurement.
func (r Reading) Measurement() Measurement {
	return Measurement{
		Value:      r.Value,
		Timestamp:  r.Timestamp,
		Source:     SourceLocal,
		Confidence: r.Confidence,
	}
}

// ReadingQueue persists local readings until they are synced.
type ReadingQueue interface {
	Enqueue(ctx context.Context, readings []Reading) error
	Pending(ctx context.Context, key SeriesKey) ([]Reading, error)
	MarkSynced(ctx context.Context, ids []string, at time.Time) error
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
}

// RemoteSource is the server side of a series.
type RemoteSource interface {
	Fetch(ctx context.Context, key SeriesKey) ([]Measurement, error)
	Upload(ctx context.Context, key SeriesKey, measurements []Measurement) error
}
