// Package gateway composes the file validator, the pattern scanner, and the
// URL reputation checker into one accept/reject decision per upload.
package gateway

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/miradorsec/gatekeeper/internal/filecheck"
	"github.com/miradorsec/gatekeeper/internal/metrics"
	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

// EventSink receives one structured event per gateway decision and per
// administrative list mutation.
type EventSink interface {
	Emit(eventType string, fields map[string]any)
}

// LogSink emits gateway events through zerolog.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Emit(eventType string, fields map[string]any) {
	s.Log.Info().Fields(fields).Msg(eventType)
}

// CheckStatus is the outcome of one validation check.
type CheckStatus struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// Findings is the full detail behind a verdict.
type Findings struct {
	Size               CheckStatus               `json:"size"`
	MIME               CheckStatus               `json:"mime"`
	Signature          CheckStatus               `json:"signature"`
	PatternMatches     []scanner.Match           `json:"pattern_matches,omitempty"`
	URLClassifications []urlcheck.Classification `json:"url_classifications,omitempty"`
}

// Verdict is the gateway's decision for one upload.
type Verdict struct {
	Safe     bool     `json:"safe"`
	Reason   string   `json:"reason,omitempty"`
	Findings Findings `json:"findings"`
}

// Config tunes verdict policy.
type Config struct {
	// SeverityThreshold is the minimum match severity that marks a file
	// unsafe: one of low, medium, high, critical.
	SeverityThreshold string
	// BlockOnMaliciousURL makes a malicious embedded URL reject the upload.
	// When false, malicious URLs are reported in findings only.
	BlockOnMaliciousURL bool
}

type Gateway struct {
	validator *filecheck.Validator
	scanner   *scanner.Scanner
	urls      *urlcheck.Checker
	sink      EventSink
	cfg       Config
	log       zerolog.Logger
}

func New(v *filecheck.Validator, s *scanner.Scanner, u *urlcheck.Checker, sink EventSink, cfg Config, log zerolog.Logger) *Gateway {
	if cfg.SeverityThreshold == "" {
		cfg.SeverityThreshold = "high"
	}
	return &Gateway{validator: v, scanner: s, urls: u, sink: sink, cfg: cfg, log: log}
}

var severityRank = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// rankSeverity treats unlabeled or unknown severities as medium so a rule
// author forgetting the meta does not silently neuter the rule.
func rankSeverity(sev string) int {
	if r, ok := severityRank[sev]; ok {
		return r
	}
	return severityRank["medium"]
}

// EvaluateUpload runs the full screening pipeline for one upload. Validation
// failure short-circuits: content that fails basic validation is never
// pattern-scanned. Extracted URLs are classified regardless of the file
// outcome so the caller always sees the complete finding set.
func (g *Gateway) EvaluateUpload(content io.ReadSeeker, filename string, extractedURLs []string) (Verdict, error) {
	verdict := Verdict{
		Findings: Findings{
			Size:      CheckStatus{Passed: true},
			MIME:      CheckStatus{Passed: true},
			Signature: CheckStatus{Passed: true},
		},
	}

	if err := g.validator.Validate(content, filename); err != nil {
		var verr *filecheck.ValidationError
		if !errors.As(err, &verr) {
			return Verdict{}, fmt.Errorf("validate %s: %w", filename, err)
		}
		status := CheckStatus{Passed: false, Reason: verr.Reason}
		switch verr.Check {
		case filecheck.CheckSize:
			verdict.Findings.Size = status
		case filecheck.CheckMIME:
			verdict.Findings.MIME = status
		case filecheck.CheckSignature:
			verdict.Findings.Signature = status
		}
		verdict.Safe = false
		verdict.Reason = verr.Reason
	} else {
		data, err := io.ReadAll(content)
		if err != nil {
			return Verdict{}, fmt.Errorf("read %s: %w", filename, err)
		}
		verdict.Findings.PatternMatches = g.scanner.Scan(data)
		verdict.Safe = true
		threshold := rankSeverity(g.cfg.SeverityThreshold)
		for _, m := range verdict.Findings.PatternMatches {
			if rankSeverity(m.Severity()) >= threshold {
				verdict.Safe = false
				verdict.Reason = fmt.Sprintf("content matched rule %s", m.Rule)
				break
			}
		}
	}

	for _, u := range extractedURLs {
		cls := g.urls.Check(u)
		verdict.Findings.URLClassifications = append(verdict.Findings.URLClassifications, cls)
		if cls.Malicious && g.cfg.BlockOnMaliciousURL && verdict.Safe {
			verdict.Safe = false
			verdict.Reason = fmt.Sprintf("embedded URL classified malicious (%s)", cls.DetectionMethod)
		}
	}

	g.emit(filename, verdict)
	return verdict, nil
}

func (g *Gateway) emit(filename string, v Verdict) {
	eventType := "upload_pass"
	outcome := "pass"
	if !v.Safe {
		eventType = "upload_reject"
		outcome = "reject"
	}
	metrics.UploadsEvaluated.WithLabelValues(outcome).Inc()

	fields := map[string]any{
		"filename":        filename,
		"safe":            v.Safe,
		"pattern_matches": len(v.Findings.PatternMatches),
		"urls_checked":    len(v.Findings.URLClassifications),
	}
	if v.Reason != "" {
		fields["reason"] = v.Reason
	}
	g.sink.Emit(eventType, fields)
}
