// Package eventbus is the in-process publish/subscribe hub between the sync
// service, the cache and the notifiers.
package eventbus

import (
	"context"
	"errors"
	"log"
	"sync"

	"equisync/internal/measurements/application/events"
)

// InMemoryBus delivers events synchronously to every subscriber in
// registration order.
type InMemoryBus struct {
	mu     sync.RWMutex
	logger *log.Logger

	ingestedHandlers  []func(context.Context, events.ReadingsIngested) error
	anomalyHandlers   []func(context.Context, events.AnomaliesDetected) error
	continueOnFailure bool
}

// Option configures the bus.
type Option func(*InMemoryBus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *log.Logger) Option {
	return func(b *InMemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithContinueOnFailure keeps delivering to later handlers after one fails.
// The joined error is still returned to the publisher.
func WithContinueOnFailure() Option {
	return func(b *InMemoryBus) {
		b.continueOnFailure = true
	}
}

// New constructs a bus.
func New(opts ...Option) *InMemoryBus {
	b := &InMemoryBus{logger: log.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SubscribeReadingsIngested registers a handler for ReadingsIngested.
func (b *InMemoryBus) SubscribeReadingsIngested(handler func(context.Context, events.ReadingsIngested) error) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingestedHandlers = append(b.ingestedHandlers, handler)
}

// PublishReadingsIngested publishes a ReadingsIngested event.
func (b *InMemoryBus) PublishReadingsIngested(ctx context.Context, event events.ReadingsIngested) error {
	b.mu.RLock()
	handlers := append([]func(context.Context, events.ReadingsIngested) error(nil), b.ingestedHandlers...)
	b.mu.RUnlock()
	return dispatch(ctx, b, "readings_ingested", handlers, event)
}

// SubscribeAnomaliesDetected registers a handler for AnomaliesDetected.
func (b *InMemoryBus) SubscribeAnomaliesDetected(handler func(context.Context, events.AnomaliesDetected) error) {
	if handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.anomalyHandlers = append(b.anomalyHandlers, handler)
}

// PublishAnomaliesDetected publishes an AnomaliesDetected event.
func (b *InMemoryBus) PublishAnomaliesDetected(ctx context.Context, event events.AnomaliesDetected) error {
	b.mu.RLock()
	handlers := append([]func(context.Context, events.AnomaliesDetected) error(nil), b.anomalyHandlers...)
	b.mu.RUnlock()
	return dispatch(ctx, b, "anomalies_detected", handlers, event)
}

func dispatch[E any](ctx context.Context, b *InMemoryBus, name string, handlers []func(context.Context, E) error, event E) error {
	var errs []error
	for _, handler := range handlers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, event); err != nil {
			b.logger.Printf("eventbus: %s handler error: %v", name, err)
			if !b.continueOnFailure {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
