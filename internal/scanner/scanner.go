// Package scanner wraps a rule engine behind a lazily compiled, fail-open
// facade. Rule compilation happens at most once; if it fails, every scan
// reports no matches instead of blocking uploads.
package scanner

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/miradorsec/gatekeeper/internal/metrics"
)

type Scanner struct {
	engine   Engine
	rulesDir string
	log      zerolog.Logger

	once    sync.Once
	ruleset Ruleset
	initErr error
}

func New(engine Engine, rulesDir string, log zerolog.Logger) *Scanner {
	return &Scanner{engine: engine, rulesDir: rulesDir, log: log}
}

// Init forces rule compilation and returns the error, if any. Call it at
// startup when a broken rule directory should be surfaced immediately.
// Degrade conditions (missing rules, compile failures) are still returned
// here so the caller can decide; later Scan calls fail open regardless.
func (s *Scanner) Init() error {
	s.compile()
	return s.initErr
}

func (s *Scanner) compile() {
	s.once.Do(func() {
		started := time.Now()
		rs, err := s.engine.Compile(s.rulesDir)
		if err != nil {
			s.initErr = err
			metrics.ScannerDegraded.Set(1)
			switch {
			case errors.Is(err, ErrNoRules):
				s.log.Warn().Str("dir", s.rulesDir).
					Msg("no scan rules found, scanner disabled")
			default:
				s.log.Error().Err(err).Str("dir", s.rulesDir).
					Msg("rule compilation failed, scanner disabled")
			}
			return
		}
		s.ruleset = rs
		metrics.ScannerDegraded.Set(0)
		s.log.Info().
			Int("rules", len(rs.Rules())).
			Dur("took", time.Since(started)).
			Msg("scan rules compiled")
	})
}

// Ready reports whether a ruleset is compiled and scans are effective.
func (s *Scanner) Ready() bool {
	s.compile()
	return s.ruleset != nil
}

// Scan checks content against the compiled rules. When the scanner is
// degraded it returns no matches and no error.
func (s *Scanner) Scan(data []byte) []Match {
	s.compile()
	if s.ruleset == nil {
		return nil
	}
	started := time.Now()
	matches, err := s.ruleset.ScanMem(data)
	metrics.ScanDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		s.log.Error().Err(err).Msg("scan failed")
		return nil
	}
	for _, m := range matches {
		metrics.ScanMatches.WithLabelValues(severityOrUnknown(m.Severity())).Inc()
	}
	return matches
}

// ScanPath scans a file on disk, with the same fail-open behavior as Scan.
func (s *Scanner) ScanPath(path string) []Match {
	s.compile()
	if s.ruleset == nil {
		return nil
	}
	started := time.Now()
	matches, err := s.ruleset.ScanFile(path)
	metrics.ScanDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		s.log.Error().Err(err).Str("path", path).Msg("scan failed")
		return nil
	}
	for _, m := range matches {
		metrics.ScanMatches.WithLabelValues(severityOrUnknown(m.Severity())).Inc()
	}
	return matches
}

// ListRules returns the compiled rule inventory, empty when degraded.
func (s *Scanner) ListRules() []RuleInfo {
	s.compile()
	if s.ruleset == nil {
		return nil
	}
	return s.ruleset.Rules()
}

func severityOrUnknown(sev string) string {
	if sev == "" {
		return "unknown"
	}
	return sev
}
