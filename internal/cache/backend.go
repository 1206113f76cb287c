package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is a stored value and the instant it stops being served.
// A zero Expiry never expires.
type Entry[V any] struct {
	Value  V
	Expiry time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry[V]) Expired(now time.Time) bool {
	if e.Expiry.IsZero() {
		return false
	}
	return !now.Before(e.Expiry)
}

// Backend stores cache entries. Implementations decide the lifetime of the
// data (process memory, durable database) but not its validity; expiry is
// enforced by Cache.
type Backend[V any] interface {
	Load(ctx context.Context, key string) (Entry[V], bool, error)
	Save(ctx context.Context, key string, entry Entry[V]) error
	Delete(ctx context.Context, key string) error
	// Evict removes the entry only while its expiry still equals expiry, so a
	// concurrent overwrite is never lost to a stale read.
	Evict(ctx context.Context, key string, expiry time.Time) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// MemoryBackend keeps entries in process memory.
type MemoryBackend[V any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[V]
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend[V any]() *MemoryBackend[V] {
	return &MemoryBackend[V]{entries: make(map[string]Entry[V])}
}

// Load returns the stored entry, expired or not.
func (b *MemoryBackend[V]) Load(ctx context.Context, key string) (Entry[V], bool, error) {
	_ = ctx
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[key]
	return entry, ok, nil
}

// Save overwrites the entry for key.
func (b *MemoryBackend[V]) Save(ctx context.Context, key string, entry Entry[V]) error {
	_ = ctx
	b.mu.Lock()
	b.entries[key] = entry
	b.mu.Unlock()
	return nil
}

// Delete removes the entry for key.
func (b *MemoryBackend[V]) Delete(ctx context.Context, key string) error {
	_ = ctx
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Evict removes the entry when its expiry is unchanged.
func (b *MemoryBackend[V]) Evict(ctx context.Context, key string, expiry time.Time) error {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if ok && entry.Expiry.Equal(expiry) {
		delete(b.entries, key)
	}
	return nil
}

// Keys lists stored keys with the prefix in ascending order.
func (b *MemoryBackend[V]) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// DeletePrefix removes every entry whose key has the prefix.
func (b *MemoryBackend[V]) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	_ = ctx
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of physically stored entries, expired included.
func (b *MemoryBackend[V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
