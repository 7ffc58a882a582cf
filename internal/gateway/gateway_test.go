package gateway

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/miradorsec/gatekeeper/internal/filecheck"
	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/testutil"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

func jpegBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return b
}

type gatewayFixture struct {
	gw   *Gateway
	sink *testutil.CaptureSink
	eng  *testutil.StubEngine
}

func newFixture(t *testing.T, matches []scanner.Match, cfg Config) *gatewayFixture {
	t.Helper()

	validator := filecheck.New(filecheck.Config{
		MaxBytes:         1 << 20,
		AllowedMIMETypes: []string{"image/jpeg", "text/plain"},
		SignatureCheck:   true,
	}, testutil.StubSniffer{Type: "image/jpeg"})

	eng := &testutil.StubEngine{Ruleset: testutil.StubRuleset{Matches: matches}}
	scan := scanner.New(eng, "/rules", zerolog.Nop())

	urls := urlcheck.New(urlcheck.Config{}, testutil.NewMemStore(), zerolog.Nop())
	if _, err := urls.AddToBlacklist("evil.com"); err != nil {
		t.Fatal(err)
	}

	sink := &testutil.CaptureSink{}
	return &gatewayFixture{
		gw:   New(validator, scan, urls, sink, cfg, zerolog.Nop()),
		sink: sink,
		eng:  eng,
	}
}

func TestEvaluateUpload_CleanFilePasses(t *testing.T) {
	f := newFixture(t, nil, Config{})

	verdict, err := f.gw.EvaluateUpload(bytes.NewReader(jpegBytes(128)), "photo.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Safe {
		t.Fatalf("verdict = %+v, want safe", verdict)
	}
	if !verdict.Findings.Size.Passed || !verdict.Findings.MIME.Passed || !verdict.Findings.Signature.Passed {
		t.Fatalf("findings = %+v, want all checks passed", verdict.Findings)
	}

	events := f.sink.Events()
	if len(events) != 1 || events[0].Type != "upload_pass" {
		t.Fatalf("events = %+v, want one upload_pass", events)
	}
}

func TestEvaluateUpload_ValidationFailureShortCircuitsScan(t *testing.T) {
	f := newFixture(t, []scanner.Match{{Rule: "anything"}}, Config{})

	// Wrong magic bytes for .jpg: the signature check fails.
	verdict, err := f.gw.EvaluateUpload(bytes.NewReader(make([]byte, 128)), "photo.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Safe {
		t.Fatal("want rejection")
	}
	if verdict.Findings.Signature.Passed {
		t.Fatal("signature finding should be failed")
	}
	if verdict.Reason == "" || !strings.Contains(verdict.Reason, "signature") {
		t.Fatalf("reason = %q, want a signature reason", verdict.Reason)
	}
	if len(verdict.Findings.PatternMatches) != 0 {
		t.Fatal("invalid content must never be pattern-scanned")
	}
	if f.eng.Compiles() != 0 {
		t.Fatal("scanner should not even compile for short-circuited uploads")
	}

	events := f.sink.Events()
	if len(events) != 1 || events[0].Type != "upload_reject" {
		t.Fatalf("events = %+v, want one upload_reject", events)
	}
}

func TestEvaluateUpload_SeverityThreshold(t *testing.T) {
	match := func(sev string) []scanner.Match {
		return []scanner.Match{{Rule: "r", Meta: map[string]string{"severity": sev}}}
	}

	tests := []struct {
		name      string
		threshold string
		severity  string
		wantSafe  bool
	}{
		{"below threshold", "high", "medium", true},
		{"at threshold", "high", "high", false},
		{"above threshold", "high", "critical", false},
		{"low threshold catches low", "low", "low", false},
		{"unlabeled counts as medium", "high", "", true},
		{"unlabeled rejected at medium", "medium", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, match(tc.severity), Config{SeverityThreshold: tc.threshold})
			verdict, err := f.gw.EvaluateUpload(bytes.NewReader(jpegBytes(64)), "a.jpg", nil)
			if err != nil {
				t.Fatal(err)
			}
			if verdict.Safe != tc.wantSafe {
				t.Fatalf("safe = %v, want %v", verdict.Safe, tc.wantSafe)
			}
			if len(verdict.Findings.PatternMatches) != 1 {
				t.Fatalf("matches = %+v, want the match reported either way", verdict.Findings.PatternMatches)
			}
		})
	}
}

func TestEvaluateUpload_URLFindingsDoNotBlockByDefault(t *testing.T) {
	f := newFixture(t, nil, Config{})

	verdict, err := f.gw.EvaluateUpload(bytes.NewReader(jpegBytes(64)), "a.jpg",
		[]string{"https://evil.com/payload", "https://example.com/ok"})
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Safe {
		t.Fatal("malicious URL must not block unless configured to")
	}
	if len(verdict.Findings.URLClassifications) != 2 {
		t.Fatalf("url findings = %d, want 2", len(verdict.Findings.URLClassifications))
	}
	if !verdict.Findings.URLClassifications[0].Malicious {
		t.Fatal("first URL should classify malicious")
	}
}

func TestEvaluateUpload_BlockOnMaliciousURL(t *testing.T) {
	f := newFixture(t, nil, Config{BlockOnMaliciousURL: true})

	verdict, err := f.gw.EvaluateUpload(bytes.NewReader(jpegBytes(64)), "a.jpg",
		[]string{"https://evil.com/payload"})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Safe {
		t.Fatal("want rejection when blocking on malicious URLs")
	}
	if !strings.Contains(verdict.Reason, "URL") {
		t.Fatalf("reason = %q", verdict.Reason)
	}
}

func TestEvaluateUpload_URLsClassifiedEvenWhenFileRejected(t *testing.T) {
	f := newFixture(t, nil, Config{})

	verdict, err := f.gw.EvaluateUpload(bytes.NewReader(make([]byte, 16)), "photo.jpg",
		[]string{"https://evil.com/x"})
	if err != nil {
		t.Fatal(err)
	}
	if verdict.Safe {
		t.Fatal("file should be rejected")
	}
	if len(verdict.Findings.URLClassifications) != 1 {
		t.Fatal("URLs must be classified regardless of the file outcome")
	}
}

func TestEvaluateUpload_DegradedScannerFailsOpen(t *testing.T) {
	validator := filecheck.New(filecheck.Config{
		MaxBytes:         1 << 20,
		AllowedMIMETypes: []string{"image/jpeg"},
		SignatureCheck:   true,
	}, testutil.StubSniffer{Type: "image/jpeg"})

	eng := &testutil.StubEngine{CompileErr: scanner.ErrNoRules}
	scan := scanner.New(eng, "/rules", zerolog.Nop())
	urls := urlcheck.New(urlcheck.Config{}, testutil.NewMemStore(), zerolog.Nop())
	sink := &testutil.CaptureSink{}

	gw := New(validator, scan, urls, sink, Config{}, zerolog.Nop())
	verdict, err := gw.EvaluateUpload(bytes.NewReader(jpegBytes(64)), "a.jpg", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !verdict.Safe {
		t.Fatal("a degraded scanner must not reject valid uploads")
	}
}
