package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"equisync/internal/measurements/application/events"
)

const (
	defaultCooldown    = 30 * time.Minute
	defaultDedupWindow = 24 * time.Hour
)

// Dispatcher turns anomaly events into alerts. A series alerts at most once
// per cooldown, and the same set of flagged points is never re-sent within the
// dedupe window.
type Dispatcher struct {
	notifier    Notifier
	clock       clockwork.Clock
	logger      *log.Logger
	cooldown    time.Duration
	dedupWindow time.Duration
	baseURL     string

	mu       sync.Mutex
	lastSent map[string]time.Time
	seen     map[string]time.Time
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithCooldown overrides the per-series cooldown.
func WithCooldown(d time.Duration) DispatcherOption {
	return func(n *Dispatcher) {
		if d >= 0 {
			n.cooldown = d
		}
	}
}

// WithDedupWindow overrides how long a fingerprint is remembered.
func WithDedupWindow(d time.Duration) DispatcherOption {
	return func(n *Dispatcher) {
		if d >= 0 {
			n.dedupWindow = d
		}
	}
}

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) DispatcherOption {
	return func(n *Dispatcher) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) DispatcherOption {
	return func(n *Dispatcher) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithSeriesBaseURL adds a link to the series in every alert.
func WithSeriesBaseURL(base string) DispatcherOption {
	return func(n *Dispatcher) {
		n.baseURL = strings.TrimRight(base, "/")
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(notifier Notifier, opts ...DispatcherOption) (*Dispatcher, error) {
	if notifier == nil {
		return nil, errors.New("notify dispatcher: nil notifier")
	}
	d := &Dispatcher{
		notifier:    notifier,
		clock:       clockwork.NewRealClock(),
		logger:      log.Default(),
		cooldown:    defaultCooldown,
		dedupWindow: defaultDedupWindow,
		lastSent:    make(map[string]time.Time),
		seen:        make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// HandleAnomaliesDetected is an event bus handler. Suppressed alerts are not
// errors.
func (d *Dispatcher) HandleAnomaliesDetected(ctx context.Context, event events.AnomaliesDetected) error {
	if len(event.Annotations) == 0 {
		return nil
	}
	series := event.Key.String()
	fingerprint := fingerprintOf(series, event)
	now := d.clock.Now()

	d.mu.Lock()
	d.expire(now)
	if _, dup := d.seen[fingerprint]; dup {
		d.mu.Unlock()
		return nil
	}
	if last, ok := d.lastSent[series]; ok && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		return nil
	}
	d.lastSent[series] = now
	d.seen[fingerprint] = now
	d.mu.Unlock()

	msg := AlertMessage{
		HorseID:    event.Key.HorseID,
		Metric:     event.Key.Metric,
		DetectedAt: event.OccurredAt,
	}
	if d.baseURL != "" {
		msg.SeriesURL = fmt.Sprintf("%s/api/v1/horses/%s/metrics/%s", d.baseURL,
			url.PathEscape(event.Key.HorseID), url.PathEscape(event.Key.Metric))
	}
	for _, a := range event.Annotations {
		msg.Points = append(msg.Points, FlaggedPoint{
			Timestamp:        a.Timestamp,
			Value:            a.Value,
			IsAnomaly:        a.IsAnomaly,
			IsAbnormalGrowth: a.IsAbnormalGrowth,
			GrowthRate:       a.GrowthRate,
		})
	}
	if err := d.notifier.Notify(ctx, msg); err != nil {
		// Allow a retry on the next event.
		d.mu.Lock()
		delete(d.lastSent, series)
		delete(d.seen, fingerprint)
		d.mu.Unlock()
		d.logger.Printf("notify dispatcher: notify error: series=%s err=%v", series, err)
		return err
	}
	return nil
}

func (d *Dispatcher) expire(now time.Time) {
	for key, at := range d.seen {
		if now.Sub(at) >= d.dedupWindow {
			delete(d.seen, key)
		}
	}
	for key, at := range d.lastSent {
		if now.Sub(at) >= d.cooldown {
			delete(d.lastSent, key)
		}
	}
}

func fingerprintOf(series string, event events.AnomaliesDetected) string {
	parts := make([]string, 0, len(event.Annotations))
	for _, a := range event.Annotations {
		parts = append(parts, fmt.Sprintf("%d:%t:%t", a.Timestamp.UnixNano(), a.IsAnomaly, a.IsAbnormalGrowth))
	}
	sort.Strings(parts)
	return series + "|" + strings.Join(parts, ",")
}
