// Package anomaly flags readings that are statistically inconsistent with
// their series. Every function is pure: inputs are never mutated and no state
// survives between calls.
package anomaly

import (
	"math"
	"sort"
	"time"
)

const (
	// DefaultZThreshold is the z-score above which a reading is an outlier.
	DefaultZThreshold = 2.0
	// DefaultGrowthLimit is the largest plausible change in units per day.
	DefaultGrowthLimit = 2.0
	// DefaultWindow is the number of points per pattern window.
	DefaultWindow = 30
)

// Point is one reading of a series.
type Point struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Outlier is the z-score verdict for one point.
type Outlier struct {
	Point
	ZScore     float64 `json:"zScore"`
	IsAnomaly  bool    `json:"isAnomaly"`
	Confidence float64 `json:"confidence"`
}

// Growth is the rate of change from the previous point.
type Growth struct {
	Point
	GrowthRate       float64 `json:"growthRate"`
	IsAbnormalGrowth bool    `json:"isAbnormalGrowth"`
}

// Window summarizes a fixed-size run of consecutive points.
type Window struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Mean     float64   `json:"mean"`
	Variance float64   `json:"variance"`
}

// DetectOutliers scores every point against the mean and population standard
// deviation of the whole batch. Output order follows input order. A batch with
// zero deviation has no outliers and full confidence.
func DetectOutliers(points []Point, threshold float64) []Outlier {
	if threshold <= 0 {
		threshold = DefaultZThreshold
	}
	result := make([]Outlier, len(points))
	if len(points) == 0 {
		return result
	}

	mean, variance := meanVariance(points)
	std := math.Sqrt(variance)
	for i, p := range points {
		result[i] = Outlier{Point: p, Confidence: 1}
		if std == 0 {
			continue
		}
		z := math.Abs(p.Value-mean) / std
		result[i].ZScore = z
		result[i].IsAnomaly = z > threshold
		result[i].Confidence = clamp01(1 - z/3)
	}
	return result
}

// AnalyzeGrowth computes the per-day rate of change between consecutive points
// in ascending timestamp order. The first point has rate 0 and is never
// flagged; so is any point sharing its timestamp with the previous one.
func AnalyzeGrowth(points []Point, limit float64) []Growth {
	if limit <= 0 {
		limit = DefaultGrowthLimit
	}
	sorted := SortByTime(points)
	result := make([]Growth, len(sorted))
	for i, p := range sorted {
		result[i] = Growth{Point: p}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		days := p.Timestamp.Sub(prev.Timestamp).Hours() / 24
		if days == 0 {
			continue
		}
		rate := (p.Value - prev.Value) / days
		result[i].GrowthRate = rate
		result[i].IsAbnormalGrowth = math.Abs(rate) > limit
	}
	return result
}

// DetectSeasonalPatterns slides a window of the given length across the
// series in ascending timestamp order and summarizes each position. It returns
// len(points)-window records, or none when the series is not longer than the
// window.
func DetectSeasonalPatterns(points []Point, window int) []Window {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(points) <= window {
		return []Window{}
	}
	sorted := SortByTime(points)
	result := make([]Window, 0, len(sorted)-window)
	for i := 0; i < len(sorted)-window; i++ {
		slice := sorted[i : i+window]
		mean, variance := meanVariance(slice)
		result = append(result, Window{
			Start:    slice[0].Timestamp,
			End:      slice[len(slice)-1].Timestamp,
			Mean:     mean,
			Variance: variance,
		})
	}
	return result
}

// SortByTime returns a copy of points ordered by ascending timestamp. Points
// with equal timestamps keep their relative order.
func SortByTime(points []Point) []Point {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

func meanVariance(points []Point) (float64, float64) {
	if len(points) == 0 {
		return 0, 0
	}
	n := float64(len(points))
	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	mean := sum / n
	var squares float64
	for _, p := range points {
		diff := p.Value - mean
		squares += diff * diff
	}
	return mean, squares / n
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
