package offline

import (
	"errors"
	"log"
	"net/http"

	"github.com/jonboulle/clockwork"

	"equisync/internal/observability/metrics"
)

// Proxy is an http.RoundTripper that applies the offline policies in front of
// an upstream transport.
type Proxy struct {
	upstream   http.RoundTripper
	assets     *AssetCache
	classifier Classifier
	clock      clockwork.Clock
	logger     *log.Logger
}

// ProxyOption configures the proxy.
type ProxyOption func(*Proxy)

// WithClassifier overrides the default classifier.
func WithClassifier(classifier Classifier) ProxyOption {
	return func(p *Proxy) {
		p.classifier = classifier
	}
}

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) ProxyOption {
	return func(p *Proxy) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) ProxyOption {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProxy wraps upstream. A nil upstream uses http.DefaultTransport.
func NewProxy(upstream http.RoundTripper, assets *AssetCache, opts ...ProxyOption) (*Proxy, error) {
	if assets == nil {
		return nil, errors.New("offline: nil asset cache")
	}
	if upstream == nil {
		upstream = http.DefaultTransport
	}
	p := &Proxy{
		upstream:   upstream,
		assets:     assets,
		classifier: NewClassifier(""),
		clock:      clockwork.NewRealClock(),
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Assets returns the asset cache.
func (p *Proxy) Assets() *AssetCache {
	return p.assets
}

// Upstream returns the wrapped transport.
func (p *Proxy) Upstream() http.RoundTripper {
	return p.upstream
}

// RoundTrip implements http.RoundTripper.
func (p *Proxy) RoundTrip(req *http.Request) (*http.Response, error) {
	start := p.clock.Now()
	policy := p.classifier.Classify(req)
	var (
		resp   *http.Response
		result string
		err    error
	)
	switch policy {
	case PolicyNetworkFirst:
		resp, result, err = p.networkFirst(req)
	case PolicyCacheFirst:
		resp, result, err = p.cacheFirst(req)
	default:
		resp, err = p.upstream.RoundTrip(req)
		result = metrics.ProxyBypassed
		if err != nil {
			result = metrics.ProxyFailed
		}
	}
	metrics.ObserveProxy(string(policy), result, p.clock.Since(start))
	return resp, err
}

func (p *Proxy) networkFirst(req *http.Request) (*http.Response, string, error) {
	resp, err := p.upstream.RoundTrip(req)
	if err == nil {
		return resp, metrics.ProxyNetwork, nil
	}
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, metrics.ProxyFailed, err
	}
	p.logger.Printf("offline proxy: %s unreachable, serving offline response: %v", req.URL.Path, err)
	return OfflineResponse(req), metrics.ProxyOffline, nil
}

func (p *Proxy) cacheFirst(req *http.Request) (*http.Response, string, error) {
	ctx := req.Context()
	cached, ok, err := p.assets.Lookup(ctx, req)
	if err != nil {
		p.logger.Printf("offline proxy: asset cache read error: %v", err)
	}
	if ok {
		return cached.Response(req), metrics.ProxyCache, nil
	}

	resp, err := p.upstream.RoundTrip(req)
	if err != nil {
		return nil, metrics.ProxyFailed, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, metrics.ProxyNetwork, nil
	}
	cr, err := capture(resp, p.clock.Now())
	if err != nil {
		return nil, metrics.ProxyFailed, err
	}
	if err := p.assets.Store(ctx, req, cr); err != nil {
		p.logger.Printf("offline proxy: asset cache write error: %v", err)
	}
	return resp, metrics.ProxyNetwork, nil
}
