package events

import (
	"time"

	"equisync/internal/anomaly"
	measurements "equisync/internal/measurements/domain"
)

// ReadingsIngested is raised after local readings were queued for a series.
type ReadingsIngested struct {
	Key        measurements.SeriesKey
	ReadingIDs []string
	Channel    string
	OccurredAt time.Time
}

// AnomaliesDetected is raised when a reconciled series contains flagged points.
// Only the flagged annotations are carried.
type AnomaliesDetected struct {
	Key         measurements.SeriesKey
	Annotations []anomaly.Annotation
	OccurredAt  time.Time
}
