// Package offline keeps the app usable without connectivity: static assets are
// served from a generation-scoped durable cache and API calls fall back to a
// synthetic "offline" response.
package offline

import (
	"net/http"
	"strings"
)

// DefaultAPIPrefix marks paths that are API calls rather than assets.
const DefaultAPIPrefix = "/api/"

// Policy is the fetch strategy for one request.
type Policy string

const (
	PolicyPassthrough  Policy = "passthrough"
	PolicyNetworkFirst Policy = "network_first"
	PolicyCacheFirst   Policy = "cache_first"
)

// Classifier maps requests to policies.
type Classifier struct {
	APIPrefix string
}

// NewClassifier builds a classifier for the API prefix, DefaultAPIPrefix when empty.
func NewClassifier(apiPrefix string) Classifier {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	return Classifier{APIPrefix: apiPrefix}
}

// Classify picks the policy. Only GET requests are ever cached or synthesized.
func (c Classifier) Classify(r *http.Request) Policy {
	if r == nil || r.Method != http.MethodGet {
		return PolicyPassthrough
	}
	prefix := c.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	if r.URL != nil && strings.HasPrefix(r.URL.Path, prefix) {
		return PolicyNetworkFirst
	}
	return PolicyCacheFirst
}
