package offline

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"equisync/internal/cache"
)

const assetNamespace = "assets/"

// ErrEmptyGeneration is returned when no cache generation is configured.
var ErrEmptyGeneration = errors.New("offline: empty cache generation")

// AssetCache stores asset responses under the current cache generation.
// Entries never expire; they disappear when their generation is purged.
type AssetCache struct {
	store      *cache.Cache[[]byte]
	generation string
}

// NewAssetCache constructs a cache bound to generation.
func NewAssetCache(store *cache.Cache[[]byte], generation string) (*AssetCache, error) {
	if store == nil {
		return nil, errors.New("offline: nil asset store")
	}
	generation = strings.TrimSpace(generation)
	if generation == "" {
		return nil, ErrEmptyGeneration
	}
	if strings.Contains(generation, "/") {
		return nil, errors.New("offline: generation must not contain '/'")
	}
	return &AssetCache{store: store, generation: generation}, nil
}

// Generation returns the active generation name.
func (c *AssetCache) Generation() string {
	return c.generation
}

// Lookup returns the stored response for req in the current generation.
func (c *AssetCache) Lookup(ctx context.Context, req *http.Request) (CachedResponse, bool, error) {
	data, ok, err := c.store.Get(ctx, c.key(c.generation, req))
	if err != nil || !ok {
		return CachedResponse{}, false, err
	}
	cr, err := decodeResponse(data)
	if err != nil {
		return CachedResponse{}, false, err
	}
	return cr, true, nil
}

// Store records cr for req in the current generation.
func (c *AssetCache) Store(ctx context.Context, req *http.Request, cr CachedResponse) error {
	data, err := encodeResponse(cr)
	if err != nil {
		return err
	}
	return c.store.Persist(ctx, c.key(c.generation, req), data)
}

// Generations lists every generation with at least one stored entry.
func (c *AssetCache) Generations(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, assetNamespace)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	result := make([]string, 0)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, assetNamespace)
		idx := strings.Index(rest, "/")
		if idx <= 0 {
			continue
		}
		gen := rest[:idx]
		if _, ok := seen[gen]; ok {
			continue
		}
		seen[gen] = struct{}{}
		result = append(result, gen)
	}
	return result, nil
}

// PurgeGeneration removes every entry of generation.
func (c *AssetCache) PurgeGeneration(ctx context.Context, generation string) (int, error) {
	if generation == "" {
		return 0, ErrEmptyGeneration
	}
	return c.store.Purge(ctx, assetNamespace+generation+"/")
}

func (c *AssetCache) key(generation string, req *http.Request) string {
	return assetNamespace + generation + "/" + RequestKey(req)
}

// RequestKey identifies a request in the cache: method and URL without fragment.
func RequestKey(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return req.Method + " " + u.String()
}
