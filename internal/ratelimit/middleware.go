package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/miradorsec/gatekeeper/internal/metrics"
	"github.com/rs/zerolog"
)

// Middleware wraps every inbound request with the admission check. On
// rejection it responds 429 with Retry-After and X-RateLimit-Remaining: 0;
// on acceptance it attaches X-RateLimit-Remaining.
//
// Key resolution: a recognized elevated-privilege credential (X-API-Key
// header or Bearer token) takes priority over the first X-Forwarded-For
// entry, which takes priority over the raw connection address.
func Middleware(reg *Registry, stats StatsSink, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := ClientKey(r)
			apiKey := APIKey(r)

			dec := reg.Check(r.URL.Path, clientKey, apiKey)

			if stats != nil {
				if err := stats.Record(r.Context(), StatsEvent{
					Key:     clientKey,
					Allowed: dec.Allowed,
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      time.Now(),
				}); err != nil {
					log.Warn().Err(err).Msg("rate stats record failed")
				}
			}

			if !dec.Allowed {
				metrics.RequestsTotal.WithLabelValues("limited").Inc()
				log.Warn().Str("key", clientKey).Str("path", r.URL.Path).
					Dur("retry_after", dec.RetryAfter).Msg("rate limit exceeded")
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
				w.Header().Set("X-RateLimit-Remaining", "0")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			metrics.RequestsTotal.WithLabelValues("allowed").Inc()
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up so clients never retry too early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// ClientKey resolves the client identity: first X-Forwarded-For entry, then
// the RemoteAddr host, then the raw RemoteAddr. Returns "" when nothing
// usable is present; the limiter folds that into the anonymous bucket.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

// APIKey extracts a presented credential from X-API-Key or a Bearer token.
func APIKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}
