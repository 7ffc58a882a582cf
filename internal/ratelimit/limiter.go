package ratelimit

import (
	"math"
	"sync"
	"time"
)

// anonymousKey is used when no usable client identity can be resolved.
const anonymousKey = "anonymous"

// Limit is a (capacity, window) pair: capacity tokens refill evenly over window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

// refillRate returns tokens per second.
func (l Limit) refillRate() float64 {
	return float64(l.Capacity) / l.Window.Seconds()
}

// Decision is the outcome of an admission check. Rejection is a normal
// result, not an error.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// bucket holds per-key token state.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a token-bucket admission controller keyed by client identity.
// All read-modify-write sequences are serialized under one mutex; requests
// for different keys still complete in microseconds so a sharded map has not
// been necessary.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   Limit

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter creates a Limiter with the given limit.
func NewLimiter(limit Limit) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		now:     time.Now,
	}
}

// Check refills the key's bucket for elapsed time and tries to consume one
// token. The first request for a key starts with a full bucket minus the
// consumed token. A malformed (empty) key is treated as the shared anonymous
// bucket.
func (l *Limiter) Check(key string) Decision {
	if key == "" {
		key = anonymousKey
	}
	now := l.now()
	rate := l.limit.refillRate()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:     float64(l.limit.Capacity) - 1,
			lastRefill: now,
		}
		return Decision{Allowed: true, Remaining: l.limit.Capacity - 1}
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	tokens := b.tokens
	if elapsed > 0 {
		tokens = math.Min(float64(l.limit.Capacity), tokens+elapsed*rate)
	}

	if tokens < 1 {
		// Not persisted: the bucket keeps accruing from lastRefill, so the
		// refund is recomputed on the next call.
		retry := time.Duration((1 - tokens) / rate * float64(time.Second))
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	b.tokens = tokens - 1
	b.lastRefill = now
	return Decision{Allowed: true, Remaining: int(math.Floor(b.tokens))}
}

// Sweep removes buckets untouched for longer than maxAge and returns the
// number removed.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
