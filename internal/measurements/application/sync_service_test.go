package application

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"equisync/internal/cache"
	"equisync/internal/measurements/application/events"
	measurements "equisync/internal/measurements/domain"
	"equisync/internal/measurements/infrastructure/memory"
)

type stubRemote struct {
	series   []measurements.Measurement
	fetchErr error
	fetches  int
	uploaded []measurements.Measurement
	upErr    error
}

func (s *stubRemote) Fetch(ctx context.Context, key measurements.SeriesKey) ([]measurements.Measurement, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return append([]measurements.Measurement(nil), s.series...), nil
}

func (s *stubRemote) Upload(ctx context.Context, key measurements.SeriesKey, batch []measurements.Measurement) error {
	if s.upErr != nil {
		return s.upErr
	}
	s.uploaded = append(s.uploaded, batch...)
	return nil
}

type recordingPublisher struct {
	ingested  []events.ReadingsIngested
	anomalies []events.AnomaliesDetected
}

func (p *recordingPublisher) PublishReadingsIngested(ctx context.Context, event events.ReadingsIngested) error {
	p.ingested = append(p.ingested, event)
	return nil
}

func (p *recordingPublisher) PublishAnomaliesDetected(ctx context.Context, event events.AnomaliesDetected) error {
	p.anomalies = append(p.anomalies, event)
	return nil
}

type syncFixture struct {
	svc       *SyncService
	queue     *memory.ReadingQueue
	remote    *stubRemote
	publisher *recordingPublisher
	clock     clockwork.FakeClock
}

func newSyncFixture(t *testing.T) syncFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(base.AddDate(0, 0, 10))
	seriesCache, err := cache.New[Snapshot](cache.NewMemoryBackend[Snapshot](), cache.WithClock(clock))
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	f := syncFixture{
		queue:     memory.NewReadingQueue(),
		remote:    &stubRemote{},
		publisher: &recordingPublisher{},
		clock:     clock,
	}
	f.svc, err = NewSyncService(f.queue, f.remote, NewReconciler(), seriesCache,
		WithPublisher(f.publisher),
		WithSyncClock(clock),
		WithSyncLogger(log.New(io.Discard, "", 0)),
	)
	if err != nil {
		t.Fatalf("new sync service: %v", err)
	}
	return f
}

var mare = measurements.SeriesKey{HorseID: "mare-17", Metric: "weight"}

func TestSeries_MergesLocalAndServer(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.series = []measurements.Measurement{m(20, 1, measurements.SourceServer, base)}
	if _, err := f.svc.Ingest(context.Background(), mare, "http", "groom", []NewReading{{Value: 10, Timestamp: base}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	snapshot, err := f.svc.Series(context.Background(), mare)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if snapshot.Offline || snapshot.Pending != 1 {
		t.Fatalf("unexpected snapshot flags %+v", snapshot)
	}
	if len(snapshot.Result.Merged) != 1 || snapshot.Result.Merged[0].Value != 15 {
		t.Fatalf("expected merged 15, got %+v", snapshot.Result.Merged)
	}
}

func TestSeries_ServedFromCacheUntilTTL(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.series = []measurements.Measurement{m(480, 1, measurements.SourceServer, base)}
	ctx := context.Background()

	if _, err := f.svc.Series(ctx, mare); err != nil {
		t.Fatalf("series: %v", err)
	}
	if _, err := f.svc.Series(ctx, mare); err != nil {
		t.Fatalf("series: %v", err)
	}
	if f.remote.fetches != 1 {
		t.Fatalf("expected one fetch while cached, got %d", f.remote.fetches)
	}

	f.clock.Advance(cache.DefaultTTL)
	if _, err := f.svc.Series(ctx, mare); err != nil {
		t.Fatalf("series: %v", err)
	}
	if f.remote.fetches != 2 {
		t.Fatalf("expected refetch after expiry, got %d", f.remote.fetches)
	}
}

func TestIngest_InvalidatesCache(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.series = []measurements.Measurement{m(480, 1, measurements.SourceServer, base)}
	ctx := context.Background()

	if _, err := f.svc.Series(ctx, mare); err != nil {
		t.Fatalf("series: %v", err)
	}
	readings, err := f.svc.Ingest(ctx, mare, "http", "groom", []NewReading{{Value: 481, Timestamp: base.AddDate(0, 0, 1)}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(readings) != 1 || readings[0].ID == "" || readings[0].Confidence != DefaultLocalConfidence {
		t.Fatalf("unexpected readings %+v", readings)
	}
	if len(f.publisher.ingested) != 1 || f.publisher.ingested[0].Channel != "http" {
		t.Fatalf("expected one ingested event, got %+v", f.publisher.ingested)
	}

	snapshot, err := f.svc.Series(ctx, mare)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if f.remote.fetches != 2 || len(snapshot.Result.Merged) != 2 {
		t.Fatalf("expected recompute with new reading, fetches=%d merged=%+v", f.remote.fetches, snapshot.Result.Merged)
	}
}

func TestIngest_RejectsInvalidReadings(t *testing.T) {
	f := newSyncFixture(t)
	tooHigh := 1.5
	_, err := f.svc.Ingest(context.Background(), mare, "http", "", []NewReading{{Value: 1, Timestamp: base, Confidence: &tooHigh}})
	if !errors.Is(err, measurements.ErrInvalidMeasurement) {
		t.Fatalf("expected ErrInvalidMeasurement, got %v", err)
	}
	if f.queue.Len() != 0 {
		t.Fatal("nothing may be queued when a reading is invalid")
	}
	if _, err := f.svc.Ingest(context.Background(), measurements.SeriesKey{}, "http", "", []NewReading{{Value: 1, Timestamp: base}}); !errors.Is(err, measurements.ErrInvalidSeriesKey) {
		t.Fatalf("expected ErrInvalidSeriesKey, got %v", err)
	}
}

func TestRefresh_DegradesToLocalWhenServerUnavailable(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.fetchErr = measurements.ErrServerUnavailable
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, mare, "mqtt", "", []NewReading{{Value: 480, Timestamp: base}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	snapshot, err := f.svc.Series(ctx, mare)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if !snapshot.Offline || len(snapshot.Result.Merged) != 1 {
		t.Fatalf("expected offline local-only snapshot, got %+v", snapshot)
	}

	f.remote.fetchErr = nil
	f.remote.series = []measurements.Measurement{m(490, 1, measurements.SourceServer, base)}
	snapshot, err = f.svc.Series(ctx, mare)
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if snapshot.Offline || snapshot.Result.Merged[0].Value != 485 {
		t.Fatalf("offline snapshot must not be cached, got %+v", snapshot)
	}
}

func TestRefresh_PropagatesOtherRemoteErrors(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.fetchErr = errors.New("bad gateway payload")
	if _, err := f.svc.Series(context.Background(), mare); err == nil {
		t.Fatal("expected error")
	}
}

func TestSeries_InvalidServerReadingIsServerFault(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.series = []measurements.Measurement{m(20, 1.5, measurements.SourceServer, base)}
	_, err := f.svc.Series(context.Background(), mare)
	if !errors.Is(err, measurements.ErrInvalidServerData) {
		t.Fatalf("expected invalid server data, got %v", err)
	}
	if errors.Is(err, measurements.ErrInvalidMeasurement) {
		t.Fatalf("server fault must not read as a caller error: %v", err)
	}
}

func TestRefresh_PublishesAnomalies(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.series = []measurements.Measurement{
		m(500, 1, measurements.SourceServer, base),
		m(540, 1, measurements.SourceServer, base.AddDate(0, 0, 1)),
	}
	if _, err := f.svc.Refresh(context.Background(), mare); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(f.publisher.anomalies) != 1 {
		t.Fatalf("expected anomaly event, got %d", len(f.publisher.anomalies))
	}
	evt := f.publisher.anomalies[0]
	if evt.Key != mare || len(evt.Annotations) != 1 || !evt.Annotations[0].IsAbnormalGrowth {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestPush_UploadsAndMarksSynced(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, mare, "http", "", []NewReading{{Value: 480, Timestamp: base}, {Value: 481, Timestamp: base.Add(time.Hour)}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	n, err := f.svc.Push(ctx, mare)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 pushed, got %d %v", n, err)
	}
	if len(f.remote.uploaded) != 2 || f.remote.uploaded[0].Source != measurements.SourceLocal {
		t.Fatalf("unexpected upload %+v", f.remote.uploaded)
	}
	pending, _ := f.queue.Pending(ctx, mare)
	if len(pending) != 0 {
		t.Fatalf("expected no pending readings, got %d", len(pending))
	}

	n, err = f.svc.Push(ctx, mare)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to push, got %d %v", n, err)
	}
}

func TestPush_KeepsReadingsWhenOffline(t *testing.T) {
	f := newSyncFixture(t)
	f.remote.upErr = measurements.ErrServerUnavailable
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, mare, "http", "", []NewReading{{Value: 480, Timestamp: base}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.Push(ctx, mare); !errors.Is(err, measurements.ErrServerUnavailable) {
		t.Fatalf("expected ErrServerUnavailable, got %v", err)
	}
	pending, _ := f.queue.Pending(ctx, mare)
	if len(pending) != 1 {
		t.Fatalf("expected reading kept in queue, got %d", len(pending))
	}
}

func TestPurgeSynced_UsesRetention(t *testing.T) {
	f := newSyncFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Ingest(ctx, mare, "http", "", []NewReading{{Value: 480, Timestamp: base}}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := f.svc.Push(ctx, mare); err != nil {
		t.Fatalf("push: %v", err)
	}
	if n, _ := f.svc.PurgeSynced(ctx, time.Hour); n != 0 {
		t.Fatalf("expected nothing purged inside retention, got %d", n)
	}
	f.clock.Advance(2 * time.Hour)
	if n, _ := f.svc.PurgeSynced(ctx, time.Hour); n != 1 {
		t.Fatalf("expected one purged, got %d", n)
	}
	if _, err := f.svc.PurgeSynced(ctx, 0); err == nil {
		t.Fatal("expected error for zero retention")
	}
}

func TestNewSyncService_RejectsNil(t *testing.T) {
	if _, err := NewSyncService(nil, &stubRemote{}, NewReconciler(), nil); err == nil {
		t.Fatal("expected error")
	}
}
