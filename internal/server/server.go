// Package server exposes the screening pipeline over HTTP and owns the
// process lifecycle: API, metrics, and health listeners plus the janitor.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/miradorsec/gatekeeper/internal/config"
	"github.com/miradorsec/gatekeeper/internal/gateway"
	"github.com/miradorsec/gatekeeper/internal/ratelimit"
	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/storage"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

// Server wires the gateway, the URL checker, the rate limiter, and storage
// behind the HTTP listeners.
type Server struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	urls   *urlcheck.Checker
	scan   *scanner.Scanner
	reg    *ratelimit.Registry
	stats  ratelimit.StatsSink
	store  *storage.BoltStore
	events gateway.EventSink
	log    zerolog.Logger
}

func New(cfg *config.Config, gw *gateway.Gateway, urls *urlcheck.Checker,
	scan *scanner.Scanner, reg *ratelimit.Registry, stats ratelimit.StatsSink,
	store *storage.BoltStore, events gateway.EventSink, log zerolog.Logger) *Server {

	return &Server{
		cfg:    cfg,
		gw:     gw,
		urls:   urls,
		scan:   scan,
		reg:    reg,
		stats:  stats,
		store:  store,
		events: events,
		log:    log,
	}
}

// Run starts all listeners and the janitor and blocks until ctx is
// cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	janitor := NewJanitor(s.store, s.reg, s.cfg.JanitorInterval, s.cfg.RateLimitBucketAge, s.log)
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveAPI runs the main API server behind the rate-limit middleware.
func (s *Server) serveAPI(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/uploads", s.handleUpload)
	mux.HandleFunc("POST /v1/urls/check", s.handleCheckURL)
	mux.HandleFunc("POST /v1/urls/check-batch", s.handleCheckBatch)
	mux.HandleFunc("GET /v1/urls/stats", s.handleURLStats)
	mux.HandleFunc("POST /v1/urls/stats/reset", s.handleURLStatsReset)
	mux.HandleFunc("POST /v1/urls/blacklist/{domain}", s.handleListAdd(urlcheck.ListBlacklist))
	mux.HandleFunc("POST /v1/urls/whitelist/{domain}", s.handleListAdd(urlcheck.ListWhitelist))
	mux.HandleFunc("GET /v1/rules", s.handleRules)

	limited := ratelimit.Middleware(s.reg, s.stats, s.log)(mux)
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           limited,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    s.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint. Readiness pings storage; a degraded
// scanner does not fail readiness because scans fail open.
func (s *Server) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.store.SizeBytes(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{
		Addr:    s.cfg.HealthAddr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
