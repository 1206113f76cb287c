package application

import (
	"fmt"
	"sort"
	"time"

	"equisync/internal/anomaly"
	measurements "equisync/internal/measurements/domain"
	"equisync/internal/observability/metrics"
)

// DefaultGrowthConfidenceCap bounds the confidence of readings with abnormal growth.
const DefaultGrowthConfidenceCap = 0.5

// Result is the outcome of one reconciliation pass. Annotation timestamps are
// bucket keys, so they line up with the merged rows.
type Result struct {
	Merged      []measurements.MergedMeasurement `json:"merged"`
	Annotations []anomaly.Annotation             `json:"annotations"`
	Skipped     []time.Time                      `json:"skipped"`
}

// Reconciler merges same-metric readings from several sources into one value
// per time bucket.
type Reconciler struct {
	granularity time.Duration
	anomaly     anomaly.Options
	growthCap   float64
	strict      bool
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithBucketGranularity truncates timestamps to d before grouping. Zero keeps
// exact timestamp equality.
func WithBucketGranularity(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d >= 0 {
			r.granularity = d
		}
	}
}

// WithAnomalyOptions overrides detection thresholds.
func WithAnomalyOptions(opts anomaly.Options) ReconcilerOption {
	return func(r *Reconciler) {
		r.anomaly = opts
	}
}

// WithGrowthConfidenceCap overrides the cap applied to abnormal-growth readings.
func WithGrowthConfidenceCap(limit float64) ReconcilerOption {
	return func(r *Reconciler) {
		if limit >= 0 && limit <= 1 {
			r.growthCap = limit
		}
	}
}

// WithStrictConfidence makes a bucket without confident input fail the whole
// pass with ErrNoConfidentInput instead of being skipped.
func WithStrictConfidence() ReconcilerOption {
	return func(r *Reconciler) {
		r.strict = true
	}
}

// NewReconciler constructs a reconciler.
func NewReconciler(opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		anomaly:   anomaly.DefaultOptions(),
		growthCap: DefaultGrowthConfidenceCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile validates the input, down-weights readings with abnormal growth,
// and merges each bucket into a confidence-weighted average. Output is in
// ascending timestamp order. Anomalous buckets are kept.
func (r *Reconciler) Reconcile(input []measurements.Measurement) (Result, error) {
	start := time.Now()
	result, err := r.reconcile(input)
	if err != nil {
		metrics.ObserveReconcile(metrics.ResultError, time.Since(start))
		return Result{}, err
	}
	outliers, growth := anomaly.Count(result.Annotations)
	metrics.AddAnomalies("outlier", outliers)
	metrics.AddAnomalies("growth", growth)
	metrics.AddSkippedBuckets(len(result.Skipped))
	metrics.ObserveReconcile(metrics.ResultSuccess, time.Since(start))
	return result, nil
}

func (r *Reconciler) reconcile(input []measurements.Measurement) (Result, error) {
	for i, m := range input {
		if err := m.Validate(); err != nil {
			return Result{}, fmt.Errorf("reconcile: measurement %d: %w", i, err)
		}
	}

	sorted := make([]measurements.Measurement, len(input))
	copy(sorted, input)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	// Growth is measured between buckets; readings sharing one have zero
	// elapsed time between them.
	points := make([]anomaly.Point, len(sorted))
	for i, m := range sorted {
		points[i] = anomaly.Point{Value: m.Value, Timestamp: r.bucketOf(m.Timestamp)}
	}
	annotations := anomaly.Annotate(points, r.anomaly)

	weights := make([]float64, len(sorted))
	for i, m := range sorted {
		weights[i] = m.Confidence
		if annotations[i].IsAbnormalGrowth && weights[i] > r.growthCap {
			weights[i] = r.growthCap
		}
	}

	result := Result{
		Merged:      make([]measurements.MergedMeasurement, 0),
		Annotations: annotations,
		Skipped:     make([]time.Time, 0),
	}
	// Sorted input keeps every bucket contiguous.
	for i := 0; i < len(sorted); {
		key := r.bucketOf(sorted[i].Timestamp)
		j := i
		var weighted, total, best float64
		for ; j < len(sorted) && r.bucketOf(sorted[j].Timestamp).Equal(key); j++ {
			weighted += sorted[j].Value * weights[j]
			total += weights[j]
			if weights[j] > best {
				best = weights[j]
			}
		}
		i = j

		if total == 0 {
			if r.strict {
				return Result{}, fmt.Errorf("reconcile: bucket %s: %w", key.Format(time.RFC3339Nano), measurements.ErrNoConfidentInput)
			}
			result.Skipped = append(result.Skipped, key)
			continue
		}
		if best > 1 {
			best = 1
		}
		result.Merged = append(result.Merged, measurements.MergedMeasurement{
			Timestamp:  key,
			Value:      weighted / total,
			Confidence: best,
		})
	}
	return result, nil
}

func (r *Reconciler) bucketOf(ts time.Time) time.Time {
	ts = ts.UTC()
	if r.granularity > 0 {
		return ts.Truncate(r.granularity)
	}
	return ts
}
