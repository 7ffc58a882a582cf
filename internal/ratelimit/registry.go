package ratelimit

import (
	"strings"
	"time"

	"github.com/miradorsec/gatekeeper/internal/metrics"
)

// RouteLimit binds a path prefix to its own limiter.
type RouteLimit struct {
	Prefix string
	Limit  Limit
}

// RegistryConfig holds the limiter hierarchy configuration.
type RegistryConfig struct {
	// Default applies to client-identity keys with no more specific match.
	Default Limit

	// Routes are stricter (or looser) per-route overrides, matched by path
	// prefix, longest prefix first. Route limiters key by client identity.
	Routes []RouteLimit

	// APIKeys are recognized elevated-privilege credentials. Requests
	// presenting one are limited per key under APIKeyLimit instead of per
	// client identity.
	APIKeys     []string
	APIKeyLimit Limit
}

// Registry resolves which limiter applies to a request and runs the check.
// Resolution order: per-route override (by client identity), then elevated
// API-key limit, then the default client-identity limiter.
type Registry struct {
	def     *Limiter
	api     *Limiter
	apiKeys map[string]struct{}
	routes  []routeLimiter
}

type routeLimiter struct {
	prefix  string
	limiter *Limiter
}

// NewRegistry builds a Registry from cfg. Longer route prefixes win over
// shorter ones.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		def:     NewLimiter(cfg.Default),
		api:     NewLimiter(cfg.APIKeyLimit),
		apiKeys: make(map[string]struct{}, len(cfg.APIKeys)),
	}
	for _, k := range cfg.APIKeys {
		if k != "" {
			r.apiKeys[k] = struct{}{}
		}
	}
	routes := make([]routeLimiter, 0, len(cfg.Routes))
	for _, rl := range cfg.Routes {
		routes = append(routes, routeLimiter{prefix: rl.Prefix, limiter: NewLimiter(rl.Limit)})
	}
	// Longest prefix first so /v1/urls/blacklist wins over /v1/urls.
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && len(routes[j].prefix) > len(routes[j-1].prefix); j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
	r.routes = routes
	return r
}

// Check runs the admission check for one request. Never fails: unknown routes
// fall back to the default limit and an empty client key becomes anonymous.
func (r *Registry) Check(path, clientKey, apiKey string) Decision {
	if rl := r.routeFor(path); rl != nil {
		return rl.Check(clientKey)
	}
	if apiKey != "" {
		if _, ok := r.apiKeys[apiKey]; ok {
			return r.api.Check(apiKey)
		}
	}
	return r.def.Check(clientKey)
}

func (r *Registry) routeFor(path string) *Limiter {
	for _, rl := range r.routes {
		if strings.HasPrefix(path, rl.prefix) {
			return rl.limiter
		}
	}
	return nil
}

// Sweep drops idle buckets across all limiters and refreshes the bucket gauge.
func (r *Registry) Sweep(maxAge time.Duration) int {
	removed := r.def.Sweep(maxAge) + r.api.Sweep(maxAge)
	for _, rl := range r.routes {
		removed += rl.limiter.Sweep(maxAge)
	}
	metrics.RateBuckets.Set(float64(r.Len()))
	return removed
}

// Len returns the number of live buckets across all limiters.
func (r *Registry) Len() int {
	n := r.def.Len() + r.api.Len()
	for _, rl := range r.routes {
		n += rl.limiter.Len()
	}
	return n
}
