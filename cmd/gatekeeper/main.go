package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/miradorsec/gatekeeper/internal/config"
	"github.com/miradorsec/gatekeeper/internal/filecheck"
	"github.com/miradorsec/gatekeeper/internal/gateway"
	"github.com/miradorsec/gatekeeper/internal/logger"
	"github.com/miradorsec/gatekeeper/internal/ratelimit"
	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/server"
	"github.com/miradorsec/gatekeeper/internal/storage"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "gatekeeper",
		Short: "Intake screening gateway for uploads, URLs, and request volume",
	}

	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
		checkURLCmd(),
		rulesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Msg("gatekeeper starting")

	store, err := storage.NewBoltStore(cfg.DataDir, cfg.URLCacheTTL)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	urls := urlcheck.New(urlcheck.Config{
		MaxLength:        cfg.URLMaxLength,
		SuspiciousLength: cfg.URLSuspiciousLength,
		BatchConcurrency: cfg.URLBatchConcurrency,
	}, store, log)
	if err := urls.LoadLists(cfg.BlacklistFile, cfg.WhitelistFile); err != nil {
		return fmt.Errorf("load reputation lists: %w", err)
	}

	scan := scanner.New(scanner.NewYaraEngine(cfg.ScanTimeout), cfg.RulesDir, log)
	if err := scan.Init(); err != nil {
		// Missing or broken rules degrade scanning; they do not block startup.
		log.Warn().Err(err).Msg("scanner running degraded")
	}

	validator := filecheck.New(filecheck.Config{
		MaxBytes:         cfg.UploadMaxBytes,
		MinBytes:         cfg.UploadMinBytes,
		AllowedMIMETypes: cfg.AllowedMIMETypes,
		SignatureCheck:   cfg.SignatureCheck,
	}, filecheck.ContentSniffer{})

	sink := gateway.LogSink{Log: log}
	gw := gateway.New(validator, scan, urls, sink, gateway.Config{
		SeverityThreshold:   cfg.ScanSeverityThreshold,
		BlockOnMaliciousURL: cfg.BlockOnMaliciousURL,
	}, log)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build rate limiters: %w", err)
	}

	var stats ratelimit.StatsSink = ratelimit.NewMemoryStats()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		stats = ratelimit.NewRedisStats(rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("rate-limit stats sink: redis")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := server.New(cfg, gw, urls, scan, reg, stats, store, sink, log)
	return srv.Run(ctx)
}

func buildRegistry(cfg *config.Config) (*ratelimit.Registry, error) {
	parsed, err := cfg.ParseRouteLimits()
	if err != nil {
		return nil, err
	}
	routes := make([]ratelimit.RouteLimit, 0, len(parsed))
	for _, rl := range parsed {
		routes = append(routes, ratelimit.RouteLimit{
			Prefix: rl.Prefix,
			Limit:  ratelimit.Limit{Capacity: rl.Capacity, Window: rl.Window},
		})
	}
	return ratelimit.NewRegistry(ratelimit.RegistryConfig{
		Default: ratelimit.Limit{Capacity: cfg.RateLimitCapacity, Window: cfg.RateLimitWindow},
		Routes:  routes,
		APIKeys: cfg.APIKeys,
		APIKeyLimit: ratelimit.Limit{
			Capacity: cfg.APIKeyCapacity,
			Window:   cfg.APIKeyWindow,
		},
	}), nil
}

// healthcheckCmd exits 0 if the health endpoint responds.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gatekeeper %s\n", Version)
		},
	}
}

// checkURLCmd classifies URLs from the command line, one JSON result per line.
func checkURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkurl URL...",
		Short: "Classify one or more URLs and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			store, err := storage.NewBoltStore(cfg.DataDir, cfg.URLCacheTTL)
			if err != nil {
				return err
			}
			defer store.Close()

			urls := urlcheck.New(urlcheck.Config{
				MaxLength:        cfg.URLMaxLength,
				SuspiciousLength: cfg.URLSuspiciousLength,
				BatchConcurrency: cfg.URLBatchConcurrency,
			}, store, log)
			if err := urls.LoadLists(cfg.BlacklistFile, cfg.WhitelistFile); err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			exitCode := 0
			for _, u := range args {
				cls := urls.Check(u)
				if err := enc.Encode(cls); err != nil {
					return err
				}
				if cls.Malicious {
					exitCode = 2
				}
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}
}

// rulesCmd compiles the configured rule directory and lists the rules.
func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Compile scan rules and list them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)

			scan := scanner.New(scanner.NewYaraEngine(cfg.ScanTimeout), cfg.RulesDir, log)
			if err := scan.Init(); err != nil {
				return fmt.Errorf("compile rules: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			for _, ri := range scan.ListRules() {
				if err := enc.Encode(ri); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
