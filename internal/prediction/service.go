package prediction

import (
	"context"
	"errors"
	"time"

	"equisync/internal/measurements/application"
	measurements "equisync/internal/measurements/domain"
)

// SeriesReader loads a reconciled series.
type SeriesReader interface {
	Series(ctx context.Context, key measurements.SeriesKey) (application.Snapshot, error)
}

// Prediction is the model output for one series.
type Prediction struct {
	Key        measurements.SeriesKey `json:"key"`
	Features   Features               `json:"features"`
	Score      float64                `json:"score"`
	Offline    bool                   `json:"offline"`
	ComputedAt time.Time              `json:"computedAt"`
}

// Service builds features from the reconciled series and scores them.
type Service struct {
	series    SeriesReader
	predictor Predictor
	scaler    RobustScaler
}

// NewService constructs a prediction service.
func NewService(series SeriesReader, predictor Predictor, scaler RobustScaler) (*Service, error) {
	if series == nil {
		return nil, errors.New("prediction: nil series reader")
	}
	if predictor == nil {
		return nil, errors.New("prediction: nil predictor")
	}
	return &Service{series: series, predictor: predictor, scaler: scaler}, nil
}

// Predict scores the series for key.
func (s *Service) Predict(ctx context.Context, key measurements.SeriesKey) (Prediction, error) {
	snapshot, err := s.series.Series(ctx, key)
	if err != nil {
		return Prediction{}, err
	}
	features, err := BuildFeatures(snapshot.Result.Merged, snapshot.Result.Annotations)
	if err != nil {
		return Prediction{}, err
	}
	score, err := s.predictor.Predict(ctx, s.scaler.Apply(features.Vector()))
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{
		Key:        key,
		Features:   features,
		Score:      score,
		Offline:    snapshot.Offline,
		ComputedAt: time.Now().UTC(),
	}, nil
}
