package measurements

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Source identifies where a measurement was collected.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// ParseSource validates a wire source value.
func ParseSource(value string) (Source, error) {
	switch Source(value) {
	case SourceLocal, SourceServer:
		return Source(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, value)
	}
}

// Measurement is one observation of a tracked metric. Producers assign the
// initial confidence; reconciliation may lower it but never raises it.
type Measurement struct {
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Source     Source    `json:"source"`
	Confidence float64   `json:"confidence"`
}

// Validate rejects measurements that would silently corrupt a merge.
func (m Measurement) Validate() error {
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidMeasurement)
	}
	if math.IsNaN(m.Confidence) || m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidMeasurement, m.Confidence)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMeasurement)
	}
	if _, err := ParseSource(string(m.Source)); err != nil {
		return err
	}
	return nil
}

// MergedMeasurement is the authoritative value for one time bucket.
type MergedMeasurement struct {
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Confidence float64   `json:"confidence"`
}

// SeriesKey identifies one metric tracked for one horse.
type SeriesKey struct {
	HorseID string `json:"horseId"`
	Metric  string `json:"metric"`
}

// Validate checks the key can be used in paths and cache keys.
func (k SeriesKey) Validate() error {
	if strings.TrimSpace(k.HorseID) == "" || strings.TrimSpace(k.Metric) == "" {
		return ErrInvalidSeriesKey
	}
	if strings.ContainsAny(k.HorseID, "/ ") || strings.ContainsAny(k.Metric, "/ ") {
		return ErrInvalidSeriesKey
	}
	return nil
}

// CacheKey is the expiring-cache key for the merged series.
func (k SeriesKey) CacheKey() string {
	return "series/" + k.HorseID + "/" + k.Metric
}

func (k SeriesKey) String() string {
	return k.HorseID + "/" + k.Metric
}
