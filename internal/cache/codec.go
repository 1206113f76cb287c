package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JSONBackend stores typed values in a byte backend, so typed caches can run on
// durable storage.
type JSONBackend[V any] struct {
	raw Backend[[]byte]
}

// NewJSONBackend wraps a byte backend.
func NewJSONBackend[V any](raw Backend[[]byte]) (*JSONBackend[V], error) {
	if raw == nil {
		return nil, ErrNilBackend
	}
	return &JSONBackend[V]{raw: raw}, nil
}

// Load decodes the stored entry.
func (b *JSONBackend[V]) Load(ctx context.Context, key string) (Entry[V], bool, error) {
	raw, ok, err := b.raw.Load(ctx, key)
	if err != nil || !ok {
		return Entry[V]{}, ok, err
	}
	var value V
	if err := json.Unmarshal(raw.Value, &value); err != nil {
		return Entry[V]{}, false, fmt.Errorf("cache: decode %q: %w", key, err)
	}
	return Entry[V]{Value: value, Expiry: raw.Expiry}, true, nil
}

// Save encodes and stores the entry.
func (b *JSONBackend[V]) Save(ctx context.Context, key string, entry Entry[V]) error {
	data, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return b.raw.Save(ctx, key, Entry[[]byte]{Value: data, Expiry: entry.Expiry})
}

// Delete removes key.
func (b *JSONBackend[V]) Delete(ctx context.Context, key string) error {
	return b.raw.Delete(ctx, key)
}

// Evict removes key while its expiry is unchanged.
func (b *JSONBackend[V]) Evict(ctx context.Context, key string, expiry time.Time) error {
	return b.raw.Evict(ctx, key, expiry)
}

// Keys lists keys with the prefix.
func (b *JSONBackend[V]) Keys(ctx context.Context, prefix string) ([]string, error) {
	return b.raw.Keys(ctx, prefix)
}

// DeletePrefix removes keys with the prefix.
func (b *JSONBackend[V]) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if b == nil || b.raw == nil {
		return 0, errors.New("cache: nil json backend")
	}
	return b.raw.DeletePrefix(ctx, prefix)
}
