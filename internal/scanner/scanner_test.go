package scanner

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// stubs live here rather than in testutil: testutil itself depends on this
// package's types.

type stubRuleset struct {
	matches []Match
	infos   []RuleInfo
	scanErr error
}

func (rs stubRuleset) ScanMem(data []byte) ([]Match, error)  { return rs.matches, rs.scanErr }
func (rs stubRuleset) ScanFile(path string) ([]Match, error) { return rs.matches, rs.scanErr }
func (rs stubRuleset) Rules() []RuleInfo                     { return rs.infos }

type stubEngine struct {
	ruleset Ruleset
	err     error

	mu       sync.Mutex
	compiles int
}

func (e *stubEngine) Compile(rulesDir string) (Ruleset, error) {
	e.mu.Lock()
	e.compiles++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.ruleset, nil
}

func (e *stubEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiles
}

func TestScanner_MatchesPassThrough(t *testing.T) {
	eng := &stubEngine{ruleset: stubRuleset{
		matches: []Match{{Rule: "eicar_test", Meta: map[string]string{"severity": "high"}}},
	}}
	s := New(eng, "/rules", zerolog.Nop())

	matches := s.Scan([]byte("payload"))
	if len(matches) != 1 || matches[0].Rule != "eicar_test" {
		t.Fatalf("matches = %+v, want one eicar_test match", matches)
	}
	if matches[0].Severity() != "high" {
		t.Fatalf("severity = %q, want high", matches[0].Severity())
	}
	if !s.Ready() {
		t.Fatal("scanner with compiled rules should be ready")
	}
}

func TestScanner_MissingRulesFailsOpen(t *testing.T) {
	eng := &stubEngine{err: ErrNoRules}
	s := New(eng, "/nonexistent", zerolog.Nop())

	if matches := s.Scan([]byte("anything")); matches != nil {
		t.Fatalf("degraded scanner must report no matches, got %+v", matches)
	}
	if s.Ready() {
		t.Fatal("degraded scanner must not report ready")
	}
	if err := s.Init(); !errors.Is(err, ErrNoRules) {
		t.Fatalf("Init = %v, want ErrNoRules", err)
	}
}

func TestScanner_CompileErrorFailsOpen(t *testing.T) {
	eng := &stubEngine{err: &CompileError{File: "bad.yar", Err: errors.New("syntax error")}}
	s := New(eng, "/rules", zerolog.Nop())

	if matches := s.Scan([]byte("anything")); matches != nil {
		t.Fatalf("want no matches, got %+v", matches)
	}
	var cerr *CompileError
	if err := s.Init(); !errors.As(err, &cerr) {
		t.Fatalf("Init = %v, want *CompileError", err)
	}
}

func TestScanner_CompilesExactlyOnce(t *testing.T) {
	eng := &stubEngine{ruleset: stubRuleset{}}
	s := New(eng, "/rules", zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Scan([]byte("x"))
		}()
	}
	wg.Wait()

	if n := eng.count(); n != 1 {
		t.Fatalf("compile ran %d times, want 1", n)
	}
}

func TestScanner_ScanErrorYieldsNoMatches(t *testing.T) {
	eng := &stubEngine{ruleset: stubRuleset{scanErr: errors.New("timeout")}}
	s := New(eng, "/rules", zerolog.Nop())

	if matches := s.Scan([]byte("x")); matches != nil {
		t.Fatalf("scan error must fail open, got %+v", matches)
	}
}

func TestScanner_ListRules(t *testing.T) {
	eng := &stubEngine{ruleset: stubRuleset{
		infos: []RuleInfo{
			{Identifier: "a", Severity: "low"},
			{Identifier: "b", Severity: "critical"},
		},
	}}
	s := New(eng, "/rules", zerolog.Nop())

	infos := s.ListRules()
	if len(infos) != 2 || infos[1].Identifier != "b" {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestScanner_ListRulesDegraded(t *testing.T) {
	s := New(&stubEngine{err: ErrNoRules}, "/rules", zerolog.Nop())
	if infos := s.ListRules(); infos != nil {
		t.Fatalf("degraded list = %+v, want nil", infos)
	}
}
