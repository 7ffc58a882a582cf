package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP surfaces
	ListenAddr     string `koanf:"listen_addr"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`

	// Upload validation
	UploadMaxBytes   int64    `koanf:"upload_max_bytes"`
	UploadMinBytes   int64    `koanf:"upload_min_bytes"`
	AllowedMIMETypes []string `koanf:"allowed_mime_types"`
	SignatureCheck   bool     `koanf:"signature_check"`

	// Pattern scanner
	RulesDir              string        `koanf:"rules_dir"`
	ScanTimeout           time.Duration `koanf:"scan_timeout"`
	ScanSeverityThreshold string        `koanf:"scan_severity_threshold"`

	// Rate limiting
	RateLimitCapacity  int           `koanf:"ratelimit_capacity"`
	RateLimitWindow    time.Duration `koanf:"ratelimit_window"`
	RateLimitRoutes    []string      `koanf:"ratelimit_routes"`
	RateLimitBucketAge time.Duration `koanf:"ratelimit_bucket_age"`
	APIKeys            []string      `koanf:"api_keys"`
	APIKeyCapacity     int           `koanf:"api_key_capacity"`
	APIKeyWindow       time.Duration `koanf:"api_key_window"`

	// URL reputation
	URLCacheTTL         time.Duration `koanf:"url_cache_ttl"`
	URLMaxLength        int           `koanf:"url_max_length"`
	URLSuspiciousLength int           `koanf:"url_suspicious_length"`
	BlacklistFile       string        `koanf:"blacklist_file"`
	WhitelistFile       string        `koanf:"whitelist_file"`
	BlockOnMaliciousURL bool          `koanf:"block_on_malicious_url"`
	URLBatchConcurrency int           `koanf:"url_batch_concurrency"`

	// Optional Redis sink for rate-limit decision stats
	RedisAddr string `koanf:"redis_addr"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// RouteLimit is a parsed per-route rate limit override.
type RouteLimit struct {
	Prefix   string
	Capacity int
	Window   time.Duration
}

// ParseRouteLimits parses route limit strings in "prefix=capacity/window" format,
// e.g. "/v1/urls/blacklist=10/1m".
func (c *Config) ParseRouteLimits() ([]RouteLimit, error) {
	limits := make([]RouteLimit, 0, len(c.RateLimitRoutes))
	for _, r := range c.RateLimitRoutes {
		prefix, rest, ok := strings.Cut(r, "=")
		if !ok {
			return nil, fmt.Errorf("invalid route limit %q: expected format prefix=capacity/window", r)
		}
		capStr, winStr, ok := strings.Cut(rest, "/")
		if !ok {
			return nil, fmt.Errorf("invalid route limit %q: expected capacity/window after =", r)
		}
		capacity, err := strconv.Atoi(strings.TrimSpace(capStr))
		if err != nil || capacity < 1 {
			return nil, fmt.Errorf("invalid route limit %q: capacity must be a positive integer", r)
		}
		window, err := time.ParseDuration(strings.TrimSpace(winStr))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("invalid route limit %q: bad window: %v", r, err)
		}
		prefix = strings.TrimSpace(prefix)
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("invalid route limit %q: prefix must start with /", r)
		}
		limits = append(limits, RouteLimit{Prefix: prefix, Capacity: capacity, Window: window})
	}
	return limits, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
	c.RulesDir = stripEnvQuotes(c.RulesDir)
	c.ScanSeverityThreshold = stripEnvQuotes(c.ScanSeverityThreshold)
	c.BlacklistFile = stripEnvQuotes(c.BlacklistFile)
	c.WhitelistFile = stripEnvQuotes(c.WhitelistFile)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)

	for i, s := range c.AllowedMIMETypes {
		c.AllowedMIMETypes[i] = stripEnvQuotes(s)
	}
	for i, s := range c.RateLimitRoutes {
		c.RateLimitRoutes[i] = stripEnvQuotes(s)
	}
	for i, s := range c.APIKeys {
		c.APIKeys[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":     ":8080",
		"metrics_enabled": true,
		"metrics_addr":    ":9090",
		"health_addr":     ":8081",

		"upload_max_bytes": 10 * 1024 * 1024,
		"upload_min_bytes": 0,
		"allowed_mime_types": "image/jpeg,image/png,image/gif,image/webp," +
			"application/pdf,application/zip,application/gzip," +
			"audio/mpeg,audio/wav,text/plain,text/csv",
		"signature_check": true,

		"rules_dir":               "/data/rules",
		"scan_timeout":            "10s",
		"scan_severity_threshold": "high",

		"ratelimit_capacity":   60,
		"ratelimit_window":     "1m",
		"ratelimit_routes":     "/v1/urls/blacklist=10/1m,/v1/urls/whitelist=10/1m",
		"ratelimit_bucket_age": "1h",
		"api_key_capacity":     300,
		"api_key_window":       "1m",

		"url_cache_ttl":          "24h",
		"url_max_length":         2048,
		"url_suspicious_length":  1000,
		"block_on_malicious_url": false,
		"url_batch_concurrency":  8,

		"data_dir":         "/data",
		"log_level":        "info",
		"log_format":       "json",
		"janitor_interval": "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. LISTEN_ADDR → "listen_addr"
	// maps to struct tag koanf:"listen_addr" without any nesting.
	k := koanf.New(".")

	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.AllowedMIMETypes = splitCSV(k.String("allowed_mime_types"))
	cfg.RateLimitRoutes = splitCSV(k.String("ratelimit_routes"))
	cfg.APIKeys = splitCSV(k.String("api_keys"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// severityNames are the accepted scan severity threshold values.
var severityNames = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.UploadMaxBytes < 1 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be >= 1; got %d", c.UploadMaxBytes)
	}
	if c.UploadMinBytes < 0 || c.UploadMinBytes > c.UploadMaxBytes {
		return fmt.Errorf("UPLOAD_MIN_BYTES must be in [0, UPLOAD_MAX_BYTES]; got %d", c.UploadMinBytes)
	}
	if len(c.AllowedMIMETypes) == 0 {
		return fmt.Errorf("ALLOWED_MIME_TYPES must not be empty")
	}
	if !severityNames[c.ScanSeverityThreshold] {
		return fmt.Errorf("SCAN_SEVERITY_THRESHOLD must be one of low,medium,high,critical; got %q", c.ScanSeverityThreshold)
	}
	if c.RateLimitCapacity < 1 {
		return fmt.Errorf("RATELIMIT_CAPACITY must be >= 1; got %d", c.RateLimitCapacity)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATELIMIT_WINDOW must be > 0; got %s", c.RateLimitWindow)
	}
	if c.RateLimitBucketAge <= 0 {
		return fmt.Errorf("RATELIMIT_BUCKET_AGE must be > 0; got %s", c.RateLimitBucketAge)
	}
	if c.APIKeyCapacity < 1 {
		return fmt.Errorf("API_KEY_CAPACITY must be >= 1; got %d", c.APIKeyCapacity)
	}
	if c.APIKeyWindow <= 0 {
		return fmt.Errorf("API_KEY_WINDOW must be > 0; got %s", c.APIKeyWindow)
	}
	if _, err := c.ParseRouteLimits(); err != nil {
		return fmt.Errorf("RATELIMIT_ROUTES: %w", err)
	}
	if c.URLCacheTTL <= 0 {
		return fmt.Errorf("URL_CACHE_TTL must be > 0; got %s", c.URLCacheTTL)
	}
	if c.URLMaxLength < 1 {
		return fmt.Errorf("URL_MAX_LENGTH must be >= 1; got %d", c.URLMaxLength)
	}
	if c.URLSuspiciousLength < 1 {
		return fmt.Errorf("URL_SUSPICIOUS_LENGTH must be >= 1; got %d", c.URLSuspiciousLength)
	}
	if c.URLBatchConcurrency < 1 {
		return fmt.Errorf("URL_BATCH_CONCURRENCY must be >= 1; got %d", c.URLBatchConcurrency)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
// Elevated-limit API keys are the only secret material this service holds.
var fileSecretKeys = []string{
	"api_keys",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
