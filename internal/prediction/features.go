// Package prediction scores a reconciled series with an external model.
package prediction

import (
	"errors"
	"math"

	"equisync/internal/anomaly"
	measurements "equisync/internal/measurements/domain"
)

// ErrInsufficientData is returned when a series has no merged points.
var ErrInsufficientData = errors.New("prediction: series has no merged points")

// Features is the model input derived from a reconciled series.
type Features struct {
	Latest       float64 `json:"latest"`
	Mean         float64 `json:"mean"`
	StdDev       float64 `json:"stdDev"`
	LatestGrowth float64 `json:"latestGrowth"`
	Flagged      int     `json:"flagged"`
	Count        int     `json:"count"`
}

// Vector returns the features in model column order.
func (f Features) Vector() []float64 {
	return []float64{f.Latest, f.Mean, f.StdDev, f.LatestGrowth, float64(f.Flagged), float64(f.Count)}
}

// BuildFeatures summarizes merged points, which must be in ascending order,
// and their annotations.
func BuildFeatures(merged []measurements.MergedMeasurement, annotations []anomaly.Annotation) (Features, error) {
	if len(merged) == 0 {
		return Features{}, ErrInsufficientData
	}
	var sum float64
	for _, m := range merged {
		sum += m.Value
	}
	n := float64(len(merged))
	mean := sum / n
	var squares float64
	for _, m := range merged {
		diff := m.Value - mean
		squares += diff * diff
	}

	f := Features{
		Latest: merged[len(merged)-1].Value,
		Mean:   mean,
		StdDev: math.Sqrt(squares / n),
		Count:  len(merged),
	}
	if len(annotations) > 0 {
		f.LatestGrowth = annotations[len(annotations)-1].GrowthRate
	}
	outliers, growth := anomaly.Count(annotations)
	f.Flagged = outliers + growth
	return f, nil
}

// RobustScaler centers and scales each feature column.
type RobustScaler struct {
	Center []float64 `json:"center" yaml:"center"`
	Scale  []float64 `json:"scale" yaml:"scale"`
}

// Apply scales vector in place. Columns without parameters, or with a zero
// scale, are left unchanged.
func (s RobustScaler) Apply(vector []float64) []float64 {
	for i := range vector {
		if i >= len(s.Center) || i >= len(s.Scale) || s.Scale[i] == 0 {
			continue
		}
		vector[i] = (vector[i] - s.Center[i]) / s.Scale[i]
	}
	return vector
}
