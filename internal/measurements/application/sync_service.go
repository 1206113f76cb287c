package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"equisync/internal/anomaly"
	"equisync/internal/cache"
	"equisync/internal/measurements/application/events"
	measurements "equisync/internal/measurements/domain"
	"equisync/internal/observability/metrics"
)

// DefaultLocalConfidence is assigned to local readings submitted without one.
const DefaultLocalConfidence = 1.0

// EventPublisher receives sync service events.
type EventPublisher interface {
	PublishReadingsIngested(ctx context.Context, event events.ReadingsIngested) error
	PublishAnomaliesDetected(ctx context.Context, event events.AnomaliesDetected) error
}

// Snapshot is a reconciled series as served to callers and cached.
type Snapshot struct {
	Key        measurements.SeriesKey `json:"key"`
	Result     Result                 `json:"result"`
	Offline    bool                   `json:"offline"`
	Pending    int                    `json:"pending"`
	ComputedAt time.Time              `json:"computedAt"`
}

// NewReading is one local reading submitted by a caretaker or a device.
type NewReading struct {
	Value      float64   `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// SyncService combines the local reading queue with the server series and keeps
// the reconciled result in the expiring cache.
type SyncService struct {
	queue      measurements.ReadingQueue
	remote     measurements.RemoteSource
	reconciler *Reconciler
	cache      *cache.Cache[Snapshot]
	publisher  EventPublisher
	clock      clockwork.Clock
	logger     *log.Logger
}

// SyncOption configures the sync service.
type SyncOption func(*SyncService)

// WithPublisher sets the event publisher.
func WithPublisher(publisher EventPublisher) SyncOption {
	return func(s *SyncService) {
		s.publisher = publisher
	}
}

// WithSyncClock overrides the real clock.
func WithSyncClock(clock clockwork.Clock) SyncOption {
	return func(s *SyncService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSyncLogger sets the logger.
func WithSyncLogger(logger *log.Logger) SyncOption {
	return func(s *SyncService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSyncService constructs a sync service.
func NewSyncService(
	queue measurements.ReadingQueue,
	remote measurements.RemoteSource,
	reconciler *Reconciler,
	seriesCache *cache.Cache[Snapshot],
	opts ...SyncOption,
) (*SyncService, error) {
	if queue == nil {
		return nil, errors.New("sync service: nil reading queue")
	}
	if remote == nil {
		return nil, errors.New("sync service: nil remote source")
	}
	if reconciler == nil {
		return nil, errors.New("sync service: nil reconciler")
	}
	if seriesCache == nil {
		return nil, errors.New("sync service: nil cache")
	}
	s := &SyncService{
		queue:      queue,
		remote:     remote,
		reconciler: reconciler,
		cache:      seriesCache,
		clock:      clockwork.NewRealClock(),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Series returns the reconciled series for key, from the cache when fresh.
func (s *SyncService) Series(ctx context.Context, key measurements.SeriesKey) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}
	cached, ok, err := s.cache.Get(ctx, key.CacheKey())
	if err != nil {
		s.logger.Printf("sync service: cache read error: %v", err)
	} else if ok {
		return cached, nil
	}
	return s.Refresh(ctx, key)
}

// Refresh recomputes the series for key regardless of the cache. When the
// server cannot be reached the local queue alone is reconciled and the result
// is marked offline and left uncached.
func (s *SyncService) Refresh(ctx context.Context, key measurements.SeriesKey) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}
	pending, err := s.queue.Pending(ctx, key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("sync service: load pending: %w", err)
	}

	input := make([]measurements.Measurement, 0, len(pending))
	for _, reading := range pending {
		input = append(input, reading.Measurement())
	}

	offline := false
	server, err := s.remote.Fetch(ctx, key)
	switch {
	case err == nil:
		for i, m := range server {
			m.Source = measurements.SourceServer
			if err := m.Validate(); err != nil {
				return Snapshot{}, fmt.Errorf("sync service: %s server reading %d: %w (%v)", key, i, measurements.ErrInvalidServerData, err)
			}
			input = append(input, m)
		}
	case errors.Is(err, measurements.ErrServerUnavailable):
		offline = true
		s.logger.Printf("sync service: %s served from local queue: %v", key, err)
	default:
		return Snapshot{}, fmt.Errorf("sync service: fetch %s: %w", key, err)
	}

	result, err := s.reconciler.Reconcile(input)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		Key:        key,
		Result:     result,
		Offline:    offline,
		Pending:    len(pending),
		ComputedAt: s.clock.Now().UTC(),
	}
	if !offline {
		if err := s.cache.Set(ctx, key.CacheKey(), snapshot); err != nil {
			s.logger.Printf("sync service: cache write error: %v", err)
		}
	}
	s.publishAnomalies(ctx, key, result.Annotations)
	return snapshot, nil
}

// Ingest queues local readings for key, drops the cached series and announces
// the new readings. channel labels where the readings came from.
func (s *SyncService) Ingest(ctx context.Context, key measurements.SeriesKey, channel, recordedBy string, input []NewReading) ([]measurements.Reading, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return nil, fmt.Errorf("%w: no readings", measurements.ErrInvalidMeasurement)
	}
	now := s.clock.Now().UTC()
	readings := make([]measurements.Reading, 0, len(input))
	ids := make([]string, 0, len(input))
	for i, in := range input {
		confidence := DefaultLocalConfidence
		if in.Confidence != nil {
			confidence = *in.Confidence
		}
		reading := measurements.Reading{
			ID:         uuid.NewString(),
			Key:        key,
			Value:      in.Value,
			Timestamp:  in.Timestamp.UTC(),
			Confidence: confidence,
			RecordedBy: recordedBy,
			CreatedAt:  now,
		}
		if err := reading.Measurement().Validate(); err != nil {
			return nil, fmt.Errorf("reading %d: %w", i, err)
		}
		readings = append(readings, reading)
		ids = append(ids, reading.ID)
	}

	if err := s.queue.Enqueue(ctx, readings); err != nil {
		return nil, fmt.Errorf("sync service: enqueue: %w", err)
	}
	metrics.AddReadingsIngested(channel, len(readings))
	s.invalidate(ctx, key)

	if s.publisher != nil {
		event := events.ReadingsIngested{Key: key, ReadingIDs: ids, Channel: channel, OccurredAt: now}
		if err := s.publisher.PublishReadingsIngested(ctx, event); err != nil {
			s.logger.Printf("sync service: publish readings ingested error: %v", err)
		}
	}
	return readings, nil
}

// Push uploads pending local readings for key and marks them synced. It
// returns the number of readings uploaded.
func (s *SyncService) Push(ctx context.Context, key measurements.SeriesKey) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	pending, err := s.queue.Pending(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("sync service: load pending: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	batch := make([]measurements.Measurement, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, reading := range pending {
		batch = append(batch, reading.Measurement())
		ids = append(ids, reading.ID)
	}
	if err := s.remote.Upload(ctx, key, batch); err != nil {
		return 0, fmt.Errorf("sync service: upload %s: %w", key, err)
	}
	if err := s.queue.MarkSynced(ctx, ids, s.clock.Now().UTC()); err != nil {
		return 0, fmt.Errorf("sync service: mark synced: %w", err)
	}
	s.invalidate(ctx, key)
	return len(pending), nil
}

// PurgeSynced removes synced readings older than retention.
func (s *SyncService) PurgeSynced(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, errors.New("sync service: retention must be positive")
	}
	return s.queue.PurgeSynced(ctx, s.clock.Now().UTC().Add(-retention))
}

func (s *SyncService) invalidate(ctx context.Context, key measurements.SeriesKey) {
	if err := s.cache.Delete(ctx, key.CacheKey()); err != nil {
		s.logger.Printf("sync service: cache invalidate error: %v", err)
	}
}

func (s *SyncService) publishAnomalies(ctx context.Context, key measurements.SeriesKey, annotations []anomaly.Annotation) {
	if s.publisher == nil {
		return
	}
	flagged := make([]anomaly.Annotation, 0)
	for _, a := range annotations {
		if a.IsAnomaly || a.IsAbnormalGrowth {
			flagged = append(flagged, a)
		}
	}
	if len(flagged) == 0 {
		return
	}
	event := events.AnomaliesDetected{Key: key, Annotations: flagged, OccurredAt: s.clock.Now().UTC()}
	if err := s.publisher.PublishAnomaliesDetected(ctx, event); err != nil {
		s.logger.Printf("sync service: publish anomalies error: %v", err)
	}
}
