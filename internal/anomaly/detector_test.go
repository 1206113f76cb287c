package anomaly

import (
	"math"
	"testing"
	"time"
)

var day0 = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)

func series(values ...float64) []Point {
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{Value: v, Timestamp: day0.AddDate(0, 0, i)}
	}
	return points
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDetectOutliers_ConstantSeries(t *testing.T) {
	result := DetectOutliers(series(37.5, 37.5, 37.5, 37.5), 0)
	for i, o := range result {
		if o.IsAnomaly {
			t.Fatalf("point %d: expected no anomaly in constant series", i)
		}
		if o.Confidence != 1 {
			t.Fatalf("point %d: expected confidence 1, got %v", i, o.Confidence)
		}
	}
}

func TestDetectOutliers_FlagsSpike(t *testing.T) {
	result := DetectOutliers(series(10, 10, 10, 10, 10, 10, 10, 10, 10, 50), 2)

	spike := result[9]
	if !spike.IsAnomaly {
		t.Fatal("expected spike to be flagged")
	}
	if !almostEqual(spike.ZScore, 3) {
		t.Fatalf("expected z-score 3, got %v", spike.ZScore)
	}
	if spike.Confidence != 0 {
		t.Fatalf("expected confidence clamped to 0, got %v", spike.Confidence)
	}

	normal := result[0]
	if normal.IsAnomaly {
		t.Fatal("expected baseline point not flagged")
	}
	if !almostEqual(normal.Confidence, 1-(1.0/3)/3) {
		t.Fatalf("unexpected baseline confidence %v", normal.Confidence)
	}
}

func TestDetectOutliers_Empty(t *testing.T) {
	if got := DetectOutliers(nil, 2); len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestAnalyzeGrowth(t *testing.T) {
	points := []Point{
		{Value: 505, Timestamp: day0.AddDate(0, 0, 3)},
		{Value: 500, Timestamp: day0},
		{Value: 510, Timestamp: day0.AddDate(0, 0, 2)},
		{Value: 501, Timestamp: day0.AddDate(0, 0, 1)},
	}
	result := AnalyzeGrowth(points, 2)

	cases := []struct {
		rate     float64
		abnormal bool
	}{
		{0, false},
		{1, false},
		{9, true},
		{-5, true},
	}
	for i, tc := range cases {
		if !almostEqual(result[i].GrowthRate, tc.rate) {
			t.Fatalf("point %d: expected rate %v, got %v", i, tc.rate, result[i].GrowthRate)
		}
		if result[i].IsAbnormalGrowth != tc.abnormal {
			t.Fatalf("point %d: expected abnormal=%v", i, tc.abnormal)
		}
	}
	if !result[0].Timestamp.Equal(day0) {
		t.Fatalf("expected output sorted ascending, first at %s", result[0].Timestamp)
	}
}

func TestAnalyzeGrowth_FirstPointAlwaysZero(t *testing.T) {
	for _, points := range [][]Point{series(1000), series(0, 900), series(3, -50, 7)} {
		result := AnalyzeGrowth(points, 2)
		if result[0].GrowthRate != 0 || result[0].IsAbnormalGrowth {
			t.Fatalf("expected first point rate 0 and not flagged, got %+v", result[0])
		}
	}
}

func TestAnalyzeGrowth_SameTimestampNoDivision(t *testing.T) {
	points := []Point{
		{Value: 10, Timestamp: day0},
		{Value: 99, Timestamp: day0},
	}
	result := AnalyzeGrowth(points, 2)
	if result[1].GrowthRate != 0 || result[1].IsAbnormalGrowth {
		t.Fatalf("expected zero elapsed time to yield rate 0, got %+v", result[1])
	}
}

func TestAnalyzeGrowth_FractionalDays(t *testing.T) {
	points := []Point{
		{Value: 100, Timestamp: day0},
		{Value: 101.5, Timestamp: day0.Add(12 * time.Hour)},
	}
	result := AnalyzeGrowth(points, 2)
	if !almostEqual(result[1].GrowthRate, 3) || !result[1].IsAbnormalGrowth {
		t.Fatalf("expected 3 units/day flagged, got %+v", result[1])
	}
}

func TestDetectSeasonalPatterns(t *testing.T) {
	values := make([]float64, 35)
	for i := range values {
		values[i] = float64(i)
	}
	windows := DetectSeasonalPatterns(series(values...), 30)
	if len(windows) != 5 {
		t.Fatalf("expected 5 windows, got %d", len(windows))
	}
	if !almostEqual(windows[0].Mean, 14.5) {
		t.Fatalf("unexpected first window mean %v", windows[0].Mean)
	}
	if !almostEqual(windows[0].Variance, 899.0/12) {
		t.Fatalf("unexpected first window variance %v", windows[0].Variance)
	}
	if !windows[4].Start.Equal(day0.AddDate(0, 0, 4)) || !windows[4].End.Equal(day0.AddDate(0, 0, 33)) {
		t.Fatalf("unexpected last window bounds %s..%s", windows[4].Start, windows[4].End)
	}
}

func TestDetectSeasonalPatterns_ShortSeries(t *testing.T) {
	if got := DetectSeasonalPatterns(series(1, 2, 3), 3); len(got) != 0 {
		t.Fatalf("expected no windows when n <= window, got %d", len(got))
	}
	if got := DetectSeasonalPatterns(nil, 0); len(got) != 0 {
		t.Fatalf("expected no windows for empty series, got %d", len(got))
	}
}

func TestAnnotate_DoesNotMutateInput(t *testing.T) {
	points := []Point{
		{Value: 3, Timestamp: day0.AddDate(0, 0, 2)},
		{Value: 1, Timestamp: day0},
		{Value: 2, Timestamp: day0.AddDate(0, 0, 1)},
	}
	original := append([]Point(nil), points...)

	annotations := Annotate(points, DefaultOptions())

	for i := range points {
		if points[i] != original[i] {
			t.Fatalf("input mutated at %d", i)
		}
	}
	for i := 1; i < len(annotations); i++ {
		if annotations[i].Timestamp.Before(annotations[i-1].Timestamp) {
			t.Fatal("expected annotations in ascending order")
		}
	}
	outliers, growth := Count(annotations)
	if outliers != 0 || growth != 0 {
		t.Fatalf("expected smooth series unflagged, got outliers=%d growth=%d", outliers, growth)
	}
}
