package ratelimit

import (
	"context"
	"sync"
	"time"
)

// StatsEvent records one admission decision for the stats sink.
type StatsEvent struct {
	Key     string
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

// StatsSink receives one event per admission decision. Implementations must
// tolerate concurrent calls; failures are reported but never block admission.
type StatsSink interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// MemoryStats is an in-process StatsSink.
type MemoryStats struct {
	mu      sync.Mutex
	allowed int64
	denied  int64
}

// NewMemoryStats creates an empty MemoryStats.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{}
}

// Record implements StatsSink.
func (s *MemoryStats) Record(_ context.Context, ev StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Allowed {
		s.allowed++
	} else {
		s.denied++
	}
	return nil
}

// Snapshot returns the allowed/denied totals.
func (s *MemoryStats) Snapshot() (allowed, denied int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowed, s.denied
}
