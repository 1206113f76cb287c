package notify

import (
	"context"
	"time"
)

// FlaggedPoint is one reading called out in an alert.
type FlaggedPoint struct {
	Timestamp        time.Time `json:"timestamp"`
	Value            float64   `json:"value"`
	IsAnomaly        bool      `json:"is_anomaly"`
	IsAbnormalGrowth bool      `json:"is_abnormal_growth"`
	GrowthRate       float64   `json:"growth_rate"`
}

// AlertMessage represents a notification payload.
type AlertMessage struct {
	HorseID    string         `json:"horse_id"`
	Metric     string         `json:"metric"`
	Points     []FlaggedPoint `json:"points"`
	DetectedAt time.Time      `json:"detected_at"`
	SeriesURL  string         `json:"series_url,omitempty"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, msg AlertMessage) error
}
