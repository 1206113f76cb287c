package anomaly

import "time"

// Options tunes the analyses. Zero fields fall back to the defaults.
type Options struct {
	ZThreshold  float64 `yaml:"z_threshold"`
	GrowthLimit float64 `yaml:"growth_limit"`
	Window      int     `yaml:"window"`
}

// DefaultOptions returns the reference thresholds.
func DefaultOptions() Options {
	return Options{
		ZThreshold:  DefaultZThreshold,
		GrowthLimit: DefaultGrowthLimit,
		Window:      DefaultWindow,
	}
}

// Annotation is the combined outlier and growth verdict for one reading.
type Annotation struct {
	Timestamp        time.Time `json:"timestamp"`
	Value            float64   `json:"value"`
	IsAnomaly        bool      `json:"isAnomaly"`
	Confidence       float64   `json:"confidence"`
	GrowthRate       float64   `json:"growthRate"`
	IsAbnormalGrowth bool      `json:"isAbnormalGrowth"`
}

// Annotate runs outlier and growth analysis over the series and returns one
// annotation per point in ascending timestamp order.
func Annotate(points []Point, opts Options) []Annotation {
	sorted := SortByTime(points)
	outliers := DetectOutliers(sorted, opts.ZThreshold)
	growth := AnalyzeGrowth(sorted, opts.GrowthLimit)

	result := make([]Annotation, len(sorted))
	for i, p := range sorted {
		result[i] = Annotation{
			Timestamp:        p.Timestamp,
			Value:            p.Value,
			IsAnomaly:        outliers[i].IsAnomaly,
			Confidence:       outliers[i].Confidence,
			GrowthRate:       growth[i].GrowthRate,
			IsAbnormalGrowth: growth[i].IsAbnormalGrowth,
		}
	}
	return result
}

// Count returns how many annotations are z-score outliers and how many show
// abnormal growth.
func Count(annotations []Annotation) (outliers, abnormalGrowth int) {
	for _, a := range annotations {
		if a.IsAnomaly {
			outliers++
		}
		if a.IsAbnormalGrowth {
			abnormalGrowth++
		}
	}
	return outliers, abnormalGrowth
}
