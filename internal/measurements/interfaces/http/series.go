package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"equisync/internal/audit"
	"equisync/internal/auth"
	"equisync/internal/measurements/application"
	measurements "equisync/internal/measurements/domain"
	"equisync/internal/prediction"
)

const horsesPrefix = "/api/v1/horses/"

// SeriesService is the sync service surface the handler uses.
type SeriesService interface {
	Series(ctx context.Context, key measurements.SeriesKey) (application.Snapshot, error)
	Refresh(ctx context.Context, key measurements.SeriesKey) (application.Snapshot, error)
	Ingest(ctx context.Context, key measurements.SeriesKey, channel, recordedBy string, input []application.NewReading) ([]measurements.Reading, error)
	Push(ctx context.Context, key measurements.SeriesKey) (int, error)
}

// Predictor scores a reconciled series.
type Predictor interface {
	Predict(ctx context.Context, key measurements.SeriesKey) (prediction.Prediction, error)
}

// SeriesHandler serves the per-horse endpoints under /api/v1/horses/.
type SeriesHandler struct {
	service     SeriesService
	predictor   Predictor
	auditLogger audit.Logger
	logger      *log.Logger
}

// SeriesOption configures a SeriesHandler.
type SeriesOption func(*SeriesHandler)

// WithPredictor enables POST /api/v1/horses/{id}/prediction.
func WithPredictor(predictor Predictor) SeriesOption {
	return func(h *SeriesHandler) {
		h.predictor = predictor
	}
}

// WithAuditLogger records caretaker writes and exports.
func WithAuditLogger(logger audit.Logger) SeriesOption {
	return func(h *SeriesHandler) {
		h.auditLogger = logger
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *log.Logger) SeriesOption {
	return func(h *SeriesHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewSeriesHandler constructs a SeriesHandler.
func NewSeriesHandler(service SeriesService, opts ...SeriesOption) (*SeriesHandler, error) {
	if service == nil {
		return nil, errors.New("series handler: nil service")
	}
	h := &SeriesHandler{service: service, logger: log.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP routes:
//
//	GET  {horse}/metrics/{metric}
//	POST {horse}/metrics/{metric}/readings
//	POST {horse}/metrics/{metric}/refresh
//	POST {horse}/metrics/{metric}/sync
//	GET  {horse}/metrics/{metric}/export.xlsx
//	GET  {horse}/metrics/{metric}/export.pdf
//	POST {horse}/prediction
func (h *SeriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, horsesPrefix) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, horsesPrefix), "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	horseID := parts[0]

	if len(parts) == 2 && parts[1] == "prediction" && r.Method == http.MethodPost {
		h.handlePrediction(w, r, horseID)
		return
	}
	if parts[1] != "metrics" || len(parts) < 3 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := measurements.SeriesKey{HorseID: horseID, Metric: parts[2]}

	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		h.handleSeries(w, r, key)
	case len(parts) == 4 && parts[3] == "readings" && r.Method == http.MethodPost:
		h.handleReadings(w, r, key)
	case len(parts) == 4 && parts[3] == "refresh" && r.Method == http.MethodPost:
		h.handleRefresh(w, r, key)
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		h.handleSync(w, r, key)
	case len(parts) == 4 && parts[3] == "export.xlsx" && r.Method == http.MethodGet:
		h.handleExport(w, r, key, "xlsx")
	case len(parts) == 4 && parts[3] == "export.pdf" && r.Method == http.MethodGet:
		h.handleExport(w, r, key, "pdf")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *SeriesHandler) handleSeries(w http.ResponseWriter, r *http.Request, key measurements.SeriesKey) {
	snapshot, err := h.service.Series(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *SeriesHandler) handleRefresh(w http.ResponseWriter, r *http.Request, key measurements.SeriesKey) {
	snapshot, err := h.service.Refresh(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *SeriesHandler) handleReadings(w http.ResponseWriter, r *http.Request, key measurements.SeriesKey) {
	var req struct {
		Readings []application.NewReading `json:"readings"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	readings, err := h.service.Ingest(r.Context(), key, "http", auth.SubjectFromContext(r.Context()), req.Readings)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"readings": readings})
	h.logAudit(r, key, "readings.ingest", map[string]any{"count": len(readings)})
}

func (h *SeriesHandler) handleSync(w http.ResponseWriter, r *http.Request, key measurements.SeriesKey) {
	pushed, err := h.service.Push(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pushed": pushed})
	h.logAudit(r, key, "readings.sync", map[string]any{"pushed": pushed})
}

func (h *SeriesHandler) handleExport(w http.ResponseWriter, r *http.Request, key measurements.SeriesKey, format string) {
	snapshot, err := h.service.Series(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	var (
		data        []byte
		contentType string
	)
	switch format {
	case "pdf":
		data, err = BuildSeriesPDF(snapshot)
		contentType = "application/pdf"
	default:
		data, err = BuildSeriesXLSX(snapshot)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if err != nil {
		h.logger.Printf("series handler: export %s error: %v", format, err)
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+key.HorseID+"-"+key.Metric+"."+format+"\"")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.logAudit(r, key, "series.export", map[string]any{"format": format})
}

func (h *SeriesHandler) handlePrediction(w http.ResponseWriter, r *http.Request, horseID string) {
	if h.predictor == nil {
		http.Error(w, "prediction not configured", http.StatusNotImplemented)
		return
	}
	var req struct {
		Metric string `json:"metric"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	if req.Metric == "" {
		req.Metric = "weight"
	}
	result, err := h.predictor.Predict(r.Context(), measurements.SeriesKey{HorseID: horseID, Metric: req.Metric})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *SeriesHandler) logAudit(r *http.Request, key measurements.SeriesKey, action string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:     auth.SubjectFromContext(r.Context()),
		Role:      string(auth.RoleFromContext(r.Context())),
		Stable:    auth.StableFromContext(r.Context()),
		Action:    action,
		HorseID:   key.HorseID,
		Metric:    key.Metric,
		Metadata:  payload,
		IP:        audit.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		h.logger.Printf("series handler: audit error: %v", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, measurements.ErrInvalidMeasurement),
		errors.Is(err, measurements.ErrUnknownSource),
		errors.Is(err, measurements.ErrNoConfidentInput),
		errors.Is(err, measurements.ErrInvalidSeriesKey),
		errors.Is(err, prediction.ErrInsufficientData):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, measurements.ErrInvalidServerData):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, measurements.ErrServerUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
