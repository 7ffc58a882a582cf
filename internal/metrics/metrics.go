package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatekeeper"

var (
	// RequestsTotal counts inbound requests by rate-limit outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Inbound requests by rate-limit outcome.",
	}, []string{"outcome"})

	// RateBuckets tracks the number of live token buckets.
	RateBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_buckets",
		Help:      "Live token buckets across all limiters.",
	})

	// UploadsEvaluated counts gateway verdicts.
	UploadsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uploads_evaluated_total",
		Help:      "Upload evaluations by verdict.",
	}, []string{"verdict"})

	// ValidationFailures counts file validation rejections per check.
	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validation_failures_total",
		Help:      "File validation rejections per check.",
	}, []string{"check"})

	// ScanMatches counts pattern-rule matches by severity.
	ScanMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scan_matches_total",
		Help:      "Pattern-rule matches by severity.",
	}, []string{"severity"})

	// ScanDuration records content scan latency.
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scan_duration_seconds",
		Help:      "Content scan latency in seconds.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 1.0, 2.5, 5.0},
	})

	// ScannerDegraded is 1 when the rule set failed to compile or is absent.
	ScannerDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scanner_degraded",
		Help:      "1 when the pattern scanner is running without rules.",
	})

	// URLChecks counts fresh URL classifications by detection method.
	URLChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "url_checks_total",
		Help:      "Fresh URL classifications by detection method.",
	}, []string{"method"})

	// URLCacheHits counts classifications served from the reputation cache.
	URLCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "url_cache_hits_total",
		Help:      "URL classifications served from cache.",
	})

	// ReputationListSize tracks domain counts per reputation list.
	ReputationListSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reputation_list_size",
		Help:      "Domains per reputation list.",
	}, []string{"list"})

	// JanitorPruned counts entries removed by housekeeping sweeps.
	JanitorPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "janitor_pruned_total",
		Help:      "Entries removed by janitor sweeps.",
	}, []string{"kind"})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
