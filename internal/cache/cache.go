// Package cache provides a key/value store with per-entry time-to-live over a
// pluggable backend.
//
// Expired entries are never swept in the background: they are treated as
// absent and removed by the first Get that observes them, or replaced by the
// next Set. There is no size bound.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"equisync/internal/observability/metrics"
)

// DefaultTTL applies when the caller does not choose a time-to-live.
const DefaultTTL = 5 * time.Minute

// ErrNilBackend is returned when a cache is built without storage.
var ErrNilBackend = errors.New("cache: nil backend")

// Cache is an expiring key/value store.
type Cache[V any] struct {
	backend    Backend[V]
	clock      clockwork.Clock
	defaultTTL time.Duration
	name       string
}

type settings struct {
	clock      clockwork.Clock
	defaultTTL time.Duration
	name       string
}

// Option configures a cache.
type Option func(*settings)

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *settings) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithName labels the cache in metrics.
func WithName(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.name = name
		}
	}
}

// New constructs a cache over backend.
func New[V any](backend Backend[V], opts ...Option) (*Cache[V], error) {
	if backend == nil {
		return nil, ErrNilBackend
	}
	s := settings{
		clock:      clockwork.NewRealClock(),
		defaultTTL: DefaultTTL,
		name:       "default",
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Cache[V]{
		backend:    backend,
		clock:      s.clock,
		defaultTTL: s.defaultTTL,
		name:       s.name,
	}, nil
}

// Set stores value under key for the default TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V) error {
	return c.SetTTL(ctx, key, value, c.defaultTTL)
}

// SetTTL stores value under key until now+ttl, replacing any previous entry.
// A non-positive ttl falls back to the default TTL.
func (c *Cache[V]) SetTTL(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	return c.backend.Save(ctx, key, Entry[V]{Value: value, Expiry: c.clock.Now().Add(ttl)})
}

// Persist stores value under key without expiry.
func (c *Cache[V]) Persist(ctx context.Context, key string, value V) error {
	return c.backend.Save(ctx, key, Entry[V]{Value: value})
}

// Get returns the value for key while it is unexpired. An expired entry is
// reported absent and evicted. The error carries backend failures only.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	entry, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		metrics.ObserveCacheLookup(c.name, metrics.CacheMiss)
		return zero, false, nil
	}
	if entry.Expired(c.clock.Now()) {
		// A failed eviction leaves the entry in place; the next read retries.
		_ = c.backend.Evict(ctx, key, entry.Expiry)
		metrics.ObserveCacheLookup(c.name, metrics.CacheExpired)
		return zero, false, nil
	}
	metrics.ObserveCacheLookup(c.name, metrics.CacheHit)
	return entry.Value, true, nil
}

// Delete removes key.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

// Keys lists stored keys with the prefix, including expired entries not yet evicted.
func (c *Cache[V]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return c.backend.Keys(ctx, prefix)
}

// Purge removes every key with the prefix and returns how many were removed.
func (c *Cache[V]) Purge(ctx context.Context, prefix string) (int, error) {
	return c.backend.DeletePrefix(ctx, prefix)
}

// DefaultTTL returns the TTL used by Set.
func (c *Cache[V]) DefaultTTL() time.Duration {
	return c.defaultTTL
}
