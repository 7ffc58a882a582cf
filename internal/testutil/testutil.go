// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"sync"
	"time"

	"github.com/miradorsec/gatekeeper/internal/scanner"
	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

// MemStore is an in-memory urlcheck.Store.
type MemStore struct {
	mu    sync.Mutex
	cache map[string]*urlcheck.CacheEntry
	lists map[string]map[string]struct{}

	// Err, when set, is returned from every method.
	Err error
}

func NewMemStore() *MemStore {
	return &MemStore{
		cache: make(map[string]*urlcheck.CacheEntry),
		lists: make(map[string]map[string]struct{}),
	}
}

func (s *MemStore) CacheHit(rawURL string) (*urlcheck.CacheEntry, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[rawURL]
	if !ok {
		return nil, nil
	}
	entry.Hits++
	cp := *entry
	return &cp, nil
}

func (s *MemStore) CachePut(rawURL string, c urlcheck.Classification) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[rawURL] = &urlcheck.CacheEntry{Classification: c, StoredAt: time.Now()}
	return nil
}

func (s *MemStore) ListAdd(list, domain string) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lists[list] == nil {
		s.lists[list] = make(map[string]struct{})
	}
	s.lists[list][domain] = struct{}{}
	return nil
}

func (s *MemStore) ListAll(list string) ([]string, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for d := range s.lists[list] {
		out = append(out, d)
	}
	return out, nil
}

// CacheLen reports the number of cached classifications.
func (s *MemStore) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// StubSniffer returns a fixed MIME type (or error) from Sniff.
type StubSniffer struct {
	Type string
	Err  error
}

func (s StubSniffer) Sniff(sample []byte) (string, error) {
	return s.Type, s.Err
}

// StubRuleset returns canned matches.
type StubRuleset struct {
	Matches []scanner.Match
	Infos   []scanner.RuleInfo
	ScanErr error
}

func (rs StubRuleset) ScanMem(data []byte) ([]scanner.Match, error) {
	return rs.Matches, rs.ScanErr
}

func (rs StubRuleset) ScanFile(path string) ([]scanner.Match, error) {
	return rs.Matches, rs.ScanErr
}

func (rs StubRuleset) Rules() []scanner.RuleInfo { return rs.Infos }

// StubEngine returns a canned ruleset (or error) from Compile and counts
// compile attempts.
type StubEngine struct {
	Ruleset    scanner.Ruleset
	CompileErr error

	mu       sync.Mutex
	compiles int
}

func (e *StubEngine) Compile(rulesDir string) (scanner.Ruleset, error) {
	e.mu.Lock()
	e.compiles++
	e.mu.Unlock()
	if e.CompileErr != nil {
		return nil, e.CompileErr
	}
	return e.Ruleset, nil
}

func (e *StubEngine) Compiles() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiles
}

// CaptureSink records emitted gateway events.
type CaptureSink struct {
	mu     sync.Mutex
	events []CapturedEvent
}

type CapturedEvent struct {
	Type   string
	Fields map[string]any
}

func (s *CaptureSink) Emit(eventType string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, CapturedEvent{Type: eventType, Fields: fields})
}

func (s *CaptureSink) Events() []CapturedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CapturedEvent, len(s.events))
	copy(out, s.events)
	return out
}
