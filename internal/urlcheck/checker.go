// Package urlcheck classifies URLs against reputation lists, phishing
// patterns, and structural heuristics, with a persistent result cache.
package urlcheck

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/miradorsec/gatekeeper/internal/metrics"
)

// Lexical families that pair a brand token with a security-themed token.
var phishingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:paypal|apple|microsoft|amazon|google|facebook|instagram|twitter|netflix).*?(?:secure|login|signin|security|account|verify|auth|session)`),
	regexp.MustCompile(`(?i)(?:verify|confirm|secure|login).*?(?:account|payment|bank|paypal|apple|microsoft|amazon)`),
	regexp.MustCompile(`(?i)(?:banking|payment|wallet|account|password|credential).*?(?:verify|confirm|secure|login)`),
	regexp.MustCompile(`(?i)(?:alert|urgent|verify|suspended|locked|limited|unusual).*?(?:account|access|login|activity)`),
	regexp.MustCompile(`(?i)(?:update|verify|confirm).*?(?:billing|payment|information|details|address|card)`),
}

// Seed entries present before any list file or persisted entry is loaded.
var (
	defaultBlacklist = []string{
		"malware.com", "phishing.com", "evil.com", "malicious.com",
		"ransomware.com", "scam.com", "trojan.com", "virus.com",
	}
	defaultWhitelist = []string{
		"google.com", "microsoft.com", "apple.com", "amazon.com",
		"github.com", "stackoverflow.com", "wikipedia.org",
	}
)

// Config tunes the checker.
type Config struct {
	MaxLength        int // URLs longer than this are invalid
	SuspiciousLength int // URLs longer than this set the suspicious_length signal
	BatchConcurrency int
}

type counters struct {
	urlsChecked       atomic.Int64
	maliciousDetected atomic.Int64
	blacklisted       atomic.Int64
	whitelisted       atomic.Int64
	phishingDetected  atomic.Int64
	cacheHits         atomic.Int64
}

// Checker owns the reputation lists, the cache store, and the counters.
// All methods are safe for concurrent use.
type Checker struct {
	cfg   Config
	store Store
	log   zerolog.Logger

	mu        sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}

	stats     counters
	lastReset atomic.Int64 // unix nanos
}

func New(cfg Config, store Store, log zerolog.Logger) *Checker {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 2048
	}
	if cfg.SuspiciousLength <= 0 {
		cfg.SuspiciousLength = 1000
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	c := &Checker{
		cfg:       cfg,
		store:     store,
		log:       log,
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
	}
	for _, d := range defaultBlacklist {
		c.blacklist[d] = struct{}{}
	}
	for _, d := range defaultWhitelist {
		c.whitelist[d] = struct{}{}
	}
	c.lastReset.Store(time.Now().UnixNano())
	return c
}

// LoadLists seeds the in-memory sets from optional files (one domain per
// line, # comments) plus whatever a previous process persisted via ListAdd.
func (c *Checker) LoadLists(blacklistFile, whitelistFile string) error {
	if blacklistFile != "" {
		if err := c.loadDomainFile(blacklistFile, c.blacklist); err != nil {
			return fmt.Errorf("load blacklist: %w", err)
		}
	}
	if whitelistFile != "" {
		if err := c.loadDomainFile(whitelistFile, c.whitelist); err != nil {
			return fmt.Errorf("load whitelist: %w", err)
		}
	}
	for list, set := range map[string]map[string]struct{}{
		ListBlacklist: c.blacklist,
		ListWhitelist: c.whitelist,
	} {
		stored, err := c.store.ListAll(list)
		if err != nil {
			return fmt.Errorf("load stored %s: %w", list, err)
		}
		for _, d := range stored {
			set[d] = struct{}{}
		}
	}
	c.updateListGauges()
	c.log.Info().
		Int("blacklist", len(c.blacklist)).
		Int("whitelist", len(c.whitelist)).
		Msg("reputation lists loaded")
	return nil
}

func (c *Checker) loadDomainFile(path string, set map[string]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.log.Warn().Str("file", path).Msg("domain list file missing, skipping")
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if d := normalizeDomain(line); d != "" {
			set[d] = struct{}{}
		}
	}
	return sc.Err()
}

// normalizeDomain reduces a domain or URL line to its registrable domain.
// Returns "" for values with no usable host.
func normalizeDomain(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		host = u.Hostname()
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "."), ".")
	if host == "" || net.ParseIP(host) != nil {
		return ""
	}
	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld
	}
	// Hosts without a public suffix (bare labels, internal names) are kept
	// as-is so operator-supplied entries still match.
	if strings.Contains(host, ".") {
		return host
	}
	return ""
}

// Check classifies one URL. Results for valid URLs are cached; repeat
// checks of the same URL are served from the cache and counted as hits.
func (c *Checker) Check(rawURL string) Classification {
	cls, fresh := c.classify(rawURL)
	if fresh && cls.Valid {
		if err := c.store.CachePut(rawURL, cls); err != nil {
			c.log.Error().Err(err).Str("url", rawURL).Msg("cache write failed")
		}
	}
	return cls
}

func (c *Checker) classify(rawURL string) (Classification, bool) {
	parsed, reason := parseURL(rawURL, c.cfg.MaxLength)
	if parsed == nil {
		metrics.URLChecks.WithLabelValues(string(MethodURLValidation)).Inc()
		return Classification{
			URL:             rawURL,
			Valid:           false,
			Malicious:       false,
			DetectionMethod: MethodURLValidation,
			Reason:          reason,
			CheckedAt:       time.Now().UTC(),
		}, false
	}

	if entry, err := c.store.CacheHit(rawURL); err != nil {
		c.log.Error().Err(err).Str("url", rawURL).Msg("cache read failed")
	} else if entry != nil {
		c.stats.cacheHits.Add(1)
		metrics.URLCacheHits.Inc()
		cls := entry.Classification
		cls.FromCache = true
		return cls, false
	}

	c.stats.urlsChecked.Add(1)

	host := parsed.Hostname()
	domain := registrableDomain(host)
	cls := Classification{
		URL:       rawURL,
		Valid:     true,
		Domain:    domain,
		CheckedAt: time.Now().UTC(),
	}

	// Structural signals are diagnostic and attached to every result.
	cls.Checks.IPURL = net.ParseIP(host) != nil
	cls.Checks.URLLength = len(rawURL)
	cls.Checks.SuspiciousLength = len(rawURL) > c.cfg.SuspiciousLength

	c.mu.RLock()
	_, whitelisted := c.whitelist[domain]
	_, blacklisted := c.blacklist[domain]
	c.mu.RUnlock()

	switch {
	case whitelisted:
		c.stats.whitelisted.Add(1)
		cls.Checks.Whitelist = true
		cls.DetectionMethod = MethodWhitelist

	case blacklisted:
		c.stats.blacklisted.Add(1)
		c.stats.maliciousDetected.Add(1)
		cls.Checks.Blacklist = true
		cls.Malicious = true
		cls.DetectionMethod = MethodBlacklist
		cls.ThreatType = ThreatUnknown
		cls.Reason = fmt.Sprintf("domain %s is blacklisted", domain)

	default:
		if pattern, ok := matchPhishing(rawURL); ok {
			c.stats.phishingDetected.Add(1)
			c.stats.maliciousDetected.Add(1)
			cls.Checks.Phishing = &PhishingResult{Matched: true, Pattern: pattern}
			cls.Malicious = true
			cls.DetectionMethod = MethodPhishing
			cls.ThreatType = ThreatPhishing
			cls.Reason = "URL matches phishing pattern " + pattern
		} else {
			cls.Checks.Phishing = &PhishingResult{}
			// A lone structural signal is diagnostic only; an IP-literal
			// host combined with an outsized URL is conclusive.
			if cls.Checks.IPURL && cls.Checks.SuspiciousLength {
				c.stats.maliciousDetected.Add(1)
				cls.Malicious = true
				cls.DetectionMethod = MethodIPHeuristic
				cls.ThreatType = ThreatUnknown
				cls.Reason = "IP-literal host with abnormally long URL"
			} else {
				cls.DetectionMethod = MethodNone
			}
		}
	}

	metrics.URLChecks.WithLabelValues(string(cls.DetectionMethod)).Inc()
	return cls, true
}

func parseURL(rawURL string, maxLength int) (*url.URL, string) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, "URL is empty"
	}
	if len(rawURL) > maxLength {
		return nil, fmt.Sprintf("URL exceeds maximum length of %d characters", maxLength)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Sprintf("URL does not parse: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Sprintf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "URL has no host"
	}
	return u, ""
}

func registrableDomain(host string) string {
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return host
	}
	if etld, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld
	}
	return host
}

func matchPhishing(rawURL string) (string, bool) {
	for i, re := range phishingPatterns {
		if re.MatchString(rawURL) {
			return fmt.Sprintf("pattern_%d", i+1), true
		}
	}
	return "", false
}

// CheckBatch classifies each URL independently and aggregates a summary.
// Invalid URLs are inconclusive, not malicious, so they count as safe.
func (c *Checker) CheckBatch(ctx context.Context, urls []string) ([]Classification, BatchSummary) {
	results := make([]Classification, len(urls))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			results[i] = c.Check(u)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	summary := BatchSummary{Total: len(urls)}
	for _, r := range results {
		if r.Malicious {
			summary.Malicious++
		} else {
			summary.Safe++
		}
	}
	return results, summary
}

// AddToBlacklist records a domain in the blacklist, effective for all
// subsequent non-cached checks. The domain is normalized first.
func (c *Checker) AddToBlacklist(domain string) (string, error) {
	return c.addToList(ListBlacklist, domain)
}

// AddToWhitelist records a domain in the whitelist.
func (c *Checker) AddToWhitelist(domain string) (string, error) {
	return c.addToList(ListWhitelist, domain)
}

func (c *Checker) addToList(list, domain string) (string, error) {
	normalized := normalizeDomain(domain)
	if normalized == "" {
		return "", fmt.Errorf("no usable domain in %q", domain)
	}
	if err := c.store.ListAdd(list, normalized); err != nil {
		return "", fmt.Errorf("persist %s entry: %w", list, err)
	}
	c.mu.Lock()
	switch list {
	case ListBlacklist:
		c.blacklist[normalized] = struct{}{}
	case ListWhitelist:
		c.whitelist[normalized] = struct{}{}
	}
	c.mu.Unlock()
	c.updateListGauges()
	c.log.Info().Str("list", list).Str("domain", normalized).Msg("reputation list updated")
	return normalized, nil
}

func (c *Checker) updateListGauges() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	metrics.ReputationListSize.WithLabelValues(ListBlacklist).Set(float64(len(c.blacklist)))
	metrics.ReputationListSize.WithLabelValues(ListWhitelist).Set(float64(len(c.whitelist)))
}

// ListSizes reports the current list sizes.
func (c *Checker) ListSizes() (blacklist, whitelist int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blacklist), len(c.whitelist)
}

// Stats returns a snapshot of the counters.
func (c *Checker) Stats() Stats {
	return Stats{
		URLsChecked:       c.stats.urlsChecked.Load(),
		MaliciousDetected: c.stats.maliciousDetected.Load(),
		Blacklisted:       c.stats.blacklisted.Load(),
		Whitelisted:       c.stats.whitelisted.Load(),
		PhishingDetected:  c.stats.phishingDetected.Load(),
		CacheHits:         c.stats.cacheHits.Load(),
		LastReset:         time.Unix(0, c.lastReset.Load()).UTC(),
	}
}

// ResetStats zeroes the counters and stamps the reset time.
func (c *Checker) ResetStats() {
	c.stats.urlsChecked.Store(0)
	c.stats.maliciousDetected.Store(0)
	c.stats.blacklisted.Store(0)
	c.stats.whitelisted.Store(0)
	c.stats.phishingDetected.Store(0)
	c.stats.cacheHits.Store(0)
	c.lastReset.Store(time.Now().UnixNano())
}
