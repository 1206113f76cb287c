package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"equisync/internal/anomaly"
	"equisync/internal/measurements/application"
	measurements "equisync/internal/measurements/domain"
)

const maxBodyBytes = 1 << 20

// Reconciler merges a batch of measurements.
type Reconciler interface {
	Reconcile(input []measurements.Measurement) (application.Result, error)
}

// ReconcileHandler serves POST /api/v1/measurements/reconcile.
type ReconcileHandler struct {
	reconciler Reconciler
}

// NewReconcileHandler constructs a ReconcileHandler.
func NewReconcileHandler(reconciler Reconciler) (*ReconcileHandler, error) {
	if reconciler == nil {
		return nil, errors.New("reconcile handler: nil reconciler")
	}
	return &ReconcileHandler{reconciler: reconciler}, nil
}

type measurementRequest struct {
	Value      *float64  `json:"value"`
	Confidence *float64  `json:"confidence"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`
}

func (h *ReconcileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req []measurementRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	input := make([]measurements.Measurement, 0, len(req))
	for i, item := range req {
		m, err := item.toMeasurement()
		if err != nil {
			respondError(w, fmt.Errorf("measurement %d: %w", i, err))
			return
		}
		input = append(input, m)
	}

	result, err := h.reconciler.Reconcile(input)
	if err != nil {
		respondError(w, err)
		return
	}
	if result.Merged == nil {
		result.Merged = []measurements.MergedMeasurement{}
	}
	if r.URL.Query().Get("annotate") == "true" {
		if result.Annotations == nil {
			result.Annotations = []anomaly.Annotation{}
		}
		if result.Skipped == nil {
			result.Skipped = []time.Time{}
		}
		writeJSON(w, http.StatusOK, result)
		return
	}
	writeJSON(w, http.StatusOK, result.Merged)
}

func (m measurementRequest) toMeasurement() (measurements.Measurement, error) {
	if m.Value == nil {
		return measurements.Measurement{}, fmt.Errorf("%w: value is required", measurements.ErrInvalidMeasurement)
	}
	if m.Confidence == nil {
		return measurements.Measurement{}, fmt.Errorf("%w: confidence is required", measurements.ErrInvalidMeasurement)
	}
	source, err := measurements.ParseSource(m.Source)
	if err != nil {
		return measurements.Measurement{}, err
	}
	return measurements.Measurement{
		Value:      *m.Value,
		Confidence: *m.Confidence,
		Source:     source,
		Timestamp:  m.Timestamp,
	}, nil
}

// AnomalyHandler serves POST /api/v1/measurements/anomalies.
type AnomalyHandler struct {
	opts anomaly.Options
}

// NewAnomalyHandler constructs an AnomalyHandler with the given thresholds.
func NewAnomalyHandler(opts anomaly.Options) *AnomalyHandler {
	return &AnomalyHandler{opts: opts}
}

type anomalyRequest struct {
	Points []anomaly.Point `json:"points"`
	Window *int            `json:"window,omitempty"`
}

type anomalyResponse struct {
	Annotations []anomaly.Annotation `json:"annotations"`
	Windows     []anomaly.Window     `json:"windows"`
}

func (h *AnomalyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req anomalyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	for i, p := range req.Points {
		if p.Timestamp.IsZero() {
			http.Error(w, fmt.Sprintf("point %d: timestamp is required", i), http.StatusBadRequest)
			return
		}
	}
	window := h.opts.Window
	if req.Window != nil {
		if *req.Window <= 0 {
			http.Error(w, "window must be positive", http.StatusBadRequest)
			return
		}
		window = *req.Window
	}
	writeJSON(w, http.StatusOK, anomalyResponse{
		Annotations: anomaly.Annotate(req.Points, h.opts),
		Windows:     anomaly.DetectSeasonalPatterns(req.Points, window),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
