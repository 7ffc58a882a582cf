package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/miradorsec/gatekeeper/internal/metrics"
	"github.com/miradorsec/gatekeeper/internal/ratelimit"
	"github.com/miradorsec/gatekeeper/internal/storage"
)

// Janitor performs periodic housekeeping: pruning expired cache entries,
// sweeping idle rate buckets, updating gauges.
type Janitor struct {
	store     *storage.BoltStore
	reg       *ratelimit.Registry
	interval  time.Duration
	bucketAge time.Duration
	log       zerolog.Logger
}

// NewJanitor creates a Janitor.
func NewJanitor(store *storage.BoltStore, reg *ratelimit.Registry, interval, bucketAge time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:     store,
		reg:       reg,
		interval:  interval,
		bucketAge: bucketAge,
		log:       log,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	// Prune expired URL cache entries
	pruned, err := j.store.PruneExpiredCache()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune url cache failed")
	} else if pruned > 0 {
		metrics.JanitorPruned.WithLabelValues("url_cache").Add(float64(pruned))
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired url cache entries")
	}

	// Sweep idle rate buckets
	if swept := j.reg.Sweep(j.bucketAge); swept > 0 {
		metrics.JanitorPruned.WithLabelValues("rate_buckets").Add(float64(swept))
	}

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
