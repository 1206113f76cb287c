package offline

import (
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/net/http2"
)

// NewGateway serves browsers through the proxy, forwarding every request to
// origin.
func NewGateway(origin *url.URL, proxy *Proxy) (http.Handler, error) {
	if origin == nil || origin.Host == "" {
		return nil, errors.New("offline: gateway needs an origin host")
	}
	if proxy == nil {
		return nil, errors.New("offline: nil proxy")
	}
	rp := httputil.NewSingleHostReverseProxy(origin)
	rp.Transport = proxy
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxy.logger.Printf("offline gateway: %s %s error: %v", r.Method, r.URL.Path, err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return rp, nil
}

// NewUpstreamTransport builds the transport the proxy uses to reach the
// network. HTTP/2 is negotiated on TLS connections.
func NewUpstreamTransport(timeout time.Duration) (*http.Transport, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, err
	}
	return transport, nil
}
