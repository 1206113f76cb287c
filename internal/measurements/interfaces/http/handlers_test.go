package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"equisync/internal/anomaly"
	"equisync/internal/audit"
	"equisync/internal/auth"
	"equisync/internal/measurements/application"
	measurements "equisync/internal/measurements/domain"
	"equisync/internal/prediction"
)

var ts = time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

type stubSeriesService struct {
	snapshot  application.Snapshot
	err       error
	ingestKey measurements.SeriesKey
	ingestBy  string
	ingested  []application.NewReading
	pushed    int
	refreshed bool
}

func (s *stubSeriesService) Series(ctx context.Context, key measurements.SeriesKey) (application.Snapshot, error) {
	if s.err != nil {
		return application.Snapshot{}, s.err
	}
	snapshot := s.snapshot
	snapshot.Key = key
	return snapshot, nil
}

func (s *stubSeriesService) Refresh(ctx context.Context, key measurements.SeriesKey) (application.Snapshot, error) {
	s.refreshed = true
	return s.Series(ctx, key)
}

func (s *stubSeriesService) Ingest(ctx context.Context, key measurements.SeriesKey, channel, recordedBy string, input []application.NewReading) ([]measurements.Reading, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.ingestKey, s.ingestBy, s.ingested = key, recordedBy, input
	out := make([]measurements.Reading, len(input))
	for i, in := range input {
		out[i] = measurements.Reading{ID: "r", Key: key, Value: in.Value, Timestamp: in.Timestamp, Confidence: 1}
	}
	return out, nil
}

func (s *stubSeriesService) Push(ctx context.Context, key measurements.SeriesKey) (int, error) {
	return s.pushed, s.err
}

type stubPredictor struct {
	key measurements.SeriesKey
	err error
}

func (p *stubPredictor) Predict(ctx context.Context, key measurements.SeriesKey) (prediction.Prediction, error) {
	p.key = key
	if p.err != nil {
		return prediction.Prediction{}, p.err
	}
	return prediction.Prediction{Key: key, Score: 0.42}, nil
}

type recordingAudit struct {
	entries []audit.Entry
}

func (a *recordingAudit) Log(ctx context.Context, entry audit.Entry) error {
	a.entries = append(a.entries, entry)
	return nil
}

func sampleSnapshot() application.Snapshot {
	return application.Snapshot{
		Result: application.Result{
			Merged: []measurements.MergedMeasurement{
				{Timestamp: ts, Value: 480, Confidence: 1},
				{Timestamp: ts.AddDate(0, 0, 1), Value: 520, Confidence: 0.5},
			},
			Annotations: []anomaly.Annotation{
				{Timestamp: ts, Value: 480},
				{Timestamp: ts.AddDate(0, 0, 1), Value: 520, GrowthRate: 40, IsAbnormalGrowth: true},
			},
		},
		ComputedAt: ts,
	}
}

func TestReconcileHandler_WeightedAverage(t *testing.T) {
	h, err := NewReconcileHandler(application.NewReconciler())
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	body := `[
		{"value":10,"confidence":1,"source":"local","timestamp":"2026-06-01T06:00:00Z"},
		{"value":20,"confidence":1,"source":"server","timestamp":"2026-06-01T06:00:00Z"}
	]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/reconcile", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var merged []measurements.MergedMeasurement
	if err := json.Unmarshal(rec.Body.Bytes(), &merged); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(merged) != 1 || merged[0].Value != 15 || merged[0].Confidence != 1 || !merged[0].Timestamp.Equal(ts) {
		t.Fatalf("unexpected merged %+v", merged)
	}
}

func TestReconcileHandler_Annotate(t *testing.T) {
	h, _ := NewReconcileHandler(application.NewReconciler())
	body := `[{"value":10,"confidence":1,"source":"local","timestamp":"2026-06-01T06:00:00Z"}]`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/reconcile?annotate=true", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, field := range []string{"merged", "annotations", "skipped"} {
		if _, ok := resp[field]; !ok {
			t.Fatalf("missing %s in %s", field, rec.Body.String())
		}
	}
}

func TestReconcileHandler_BadRequests(t *testing.T) {
	h, _ := NewReconcileHandler(application.NewReconciler())
	cases := []string{
		`not json`,
		`[{"value":10,"confidence":1,"source":"cloud","timestamp":"2026-06-01T06:00:00Z"}]`,
		`[{"confidence":1,"source":"local","timestamp":"2026-06-01T06:00:00Z"}]`,
		`[{"value":10,"source":"local","timestamp":"2026-06-01T06:00:00Z"}]`,
		`[{"value":10,"confidence":1.5,"source":"local","timestamp":"2026-06-01T06:00:00Z"}]`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/reconcile", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/measurements/reconcile", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestReconcileHandler_EmptyBatch(t *testing.T) {
	h, _ := NewReconcileHandler(application.NewReconciler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/reconcile", strings.NewReader(`[]`)))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestAnomalyHandler(t *testing.T) {
	h := NewAnomalyHandler(anomaly.DefaultOptions())
	body := `{"points":[
		{"value":10,"timestamp":"2026-06-01T00:00:00Z"},
		{"value":10,"timestamp":"2026-06-02T00:00:00Z"},
		{"value":10,"timestamp":"2026-06-03T00:00:00Z"}
	],"window":2}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/anomalies", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp anomalyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Annotations) != 3 || len(resp.Windows) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	for _, a := range resp.Annotations {
		if a.IsAnomaly || a.Confidence != 1 {
			t.Fatalf("constant series must not be flagged: %+v", a)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/measurements/anomalies", strings.NewReader(`{"points":[],"window":0}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero window, got %d", rec.Code)
	}
}

func TestSeriesHandler_GetSeries(t *testing.T) {
	svc := &stubSeriesService{snapshot: sampleSnapshot()}
	h, _ := NewSeriesHandler(svc)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/horses/mare-17/metrics/weight", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var snapshot application.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snapshot.Key.HorseID != "mare-17" || len(snapshot.Result.Merged) != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestSeriesHandler_IngestAudited(t *testing.T) {
	svc := &stubSeriesService{}
	auditLog := &recordingAudit{}
	h, _ := NewSeriesHandler(svc, WithAuditLogger(auditLog))
	body := `{"readings":[{"value":481.5,"timestamp":"2026-06-01T06:00:00Z","confidence":0.8}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/metrics/weight/readings", strings.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleCaretaker, "groom-1", "north-barn"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if svc.ingestKey.Metric != "weight" || svc.ingestBy != "groom-1" || len(svc.ingested) != 1 {
		t.Fatalf("unexpected ingest %+v by %q", svc.ingestKey, svc.ingestBy)
	}
	if len(auditLog.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(auditLog.entries))
	}
	entry := auditLog.entries[0]
	if entry.Action != "readings.ingest" || entry.Actor != "groom-1" || entry.Stable != "north-barn" || entry.HorseID != "mare-17" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestSeriesHandler_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{measurements.ErrInvalidMeasurement, http.StatusBadRequest},
		{measurements.ErrInvalidSeriesKey, http.StatusBadRequest},
		{measurements.ErrServerUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("sync: %w (%v)", measurements.ErrInvalidServerData, measurements.ErrInvalidMeasurement), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errTest, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h, _ := NewSeriesHandler(&stubSeriesService{err: tc.err})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/metrics/weight/sync", nil))
		if rec.Code != tc.want {
			t.Fatalf("err %v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestSeriesHandler_RefreshAndSync(t *testing.T) {
	svc := &stubSeriesService{snapshot: sampleSnapshot(), pushed: 3}
	h, _ := NewSeriesHandler(svc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/metrics/weight/refresh", nil))
	if rec.Code != http.StatusOK || !svc.refreshed {
		t.Fatalf("refresh failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/metrics/weight/sync", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pushed":3`) {
		t.Fatalf("unexpected sync response %d %s", rec.Code, rec.Body.String())
	}
}

func TestSeriesHandler_Exports(t *testing.T) {
	h, _ := NewSeriesHandler(&stubSeriesService{snapshot: sampleSnapshot()})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/horses/mare-17/metrics/weight/export.xlsx", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("xlsx status %d", rec.Code)
	}
	book, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer book.Close()
	value, err := book.GetCellValue("series", "D3")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if value != "growth" {
		t.Fatalf("expected growth flag, got %q", value)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/horses/mare-17/metrics/weight/export.pdf", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/pdf" {
		t.Fatalf("pdf status %d type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatal("expected pdf body")
	}
}

func TestBuildSeriesXLSX_FlagsAtBucketGranularity(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
	result, err := application.NewReconciler(application.WithBucketGranularity(time.Hour)).Reconcile([]measurements.Measurement{
		{Value: 100, Confidence: 1, Source: measurements.SourceServer, Timestamp: day},
		{Value: 100, Confidence: 1, Source: measurements.SourceServer, Timestamp: day.AddDate(0, 0, 1)},
		{Value: 200, Confidence: 1, Source: measurements.SourceServer, Timestamp: day.AddDate(0, 0, 2)},
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	data, err := BuildSeriesXLSX(application.Snapshot{Result: result, ComputedAt: ts})
	if err != nil {
		t.Fatalf("build xlsx: %v", err)
	}
	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer book.Close()
	value, err := book.GetCellValue("series", "D4")
	if err != nil {
		t.Fatalf("read cell: %v", err)
	}
	if value != "growth" {
		t.Fatalf("expected growth flag on the truncated row, got %q", value)
	}
	if clean, _ := book.GetCellValue("series", "D2"); clean != "" {
		t.Fatalf("expected no flag on the first row, got %q", clean)
	}
}

func TestSeriesHandler_Prediction(t *testing.T) {
	h, _ := NewSeriesHandler(&stubSeriesService{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/prediction", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without predictor, got %d", rec.Code)
	}

	predictor := &stubPredictor{}
	h, _ = NewSeriesHandler(&stubSeriesService{}, WithPredictor(predictor))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/prediction", strings.NewReader(`{"metric":"temperature"}`)))
	if rec.Code != http.StatusOK || predictor.key.Metric != "temperature" {
		t.Fatalf("unexpected prediction %d key=%+v", rec.Code, predictor.key)
	}

	predictor.err = prediction.ErrInsufficientData
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/horses/mare-17/prediction", nil))
	if rec.Code != http.StatusBadRequest || predictor.key.Metric != "weight" {
		t.Fatalf("expected 400 with default metric, got %d key=%+v", rec.Code, predictor.key)
	}
}

func TestSeriesHandler_NotFound(t *testing.T) {
	h, _ := NewSeriesHandler(&stubSeriesService{})
	for _, path := range []string{
		"/api/v1/horses/",
		"/api/v1/horses/mare-17",
		"/api/v1/horses/mare-17/owners/x",
		"/api/v1/horses/mare-17/metrics/weight/unknown",
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, rec.Code)
		}
	}
}

var errTest = errors.New("boom")
