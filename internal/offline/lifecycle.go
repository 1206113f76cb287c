package offline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Manifest is the list of root-relative asset paths fetched at install.
type Manifest []string

// DefaultManifest is the application shell.
func DefaultManifest() Manifest {
	return Manifest{
		"/",
		"/index.html",
		"/static/css/main.css",
		"/static/js/main.js",
		"/icons/icon-192.png",
		"/icons/icon-512.png",
	}
}

// Install fetches every manifest path from origin and stores the responses in
// the current generation. Nothing is stored unless every fetch succeeds with a
// 2xx status.
func (p *Proxy) Install(ctx context.Context, origin *url.URL, manifest Manifest) error {
	if origin == nil {
		return fmt.Errorf("offline: install: nil origin")
	}
	type fetched struct {
		req *http.Request
		cr  CachedResponse
	}
	batch := make([]fetched, 0, len(manifest))
	for _, path := range manifest {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("offline: install: path %q is not root-relative", path)
		}
		target := origin.ResolveReference(&url.URL{Path: path})
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return fmt.Errorf("offline: install %s: %w", path, err)
		}
		resp, err := p.upstream.RoundTrip(req)
		if err != nil {
			return fmt.Errorf("offline: install %s: %w", path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return fmt.Errorf("offline: install %s: http %d", path, resp.StatusCode)
		}
		cr, err := capture(resp, p.clock.Now())
		if err != nil {
			return fmt.Errorf("offline: install %s: %w", path, err)
		}
		batch = append(batch, fetched{req: req, cr: cr})
	}
	for _, item := range batch {
		if err := p.assets.Store(ctx, item.req, item.cr); err != nil {
			return fmt.Errorf("offline: install store: %w", err)
		}
	}
	p.logger.Printf("offline proxy: installed %d assets into %s", len(batch), p.assets.Generation())
	return nil
}

// Activate deletes every stored generation other than the current one and
// returns how many entries were removed.
func (p *Proxy) Activate(ctx context.Context) (int, error) {
	generations, err := p.assets.Generations(ctx)
	if err != nil {
		return 0, fmt.Errorf("offline: activate: %w", err)
	}
	removed := 0
	for _, gen := range generations {
		if gen == p.assets.Generation() {
			continue
		}
		n, err := p.assets.PurgeGeneration(ctx, gen)
		if err != nil {
			return removed, fmt.Errorf("offline: activate purge %s: %w", gen, err)
		}
		removed += n
		p.logger.Printf("offline proxy: purged generation %s (%d entries)", gen, n)
	}
	return removed, nil
}
