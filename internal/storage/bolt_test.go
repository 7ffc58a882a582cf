package storage

import (
	"testing"
	"time"

	"github.com/miradorsec/gatekeeper/internal/urlcheck"
)

func newTestStore(t *testing.T, ttl time.Duration) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir(), ttl)
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCache_PutHitIncrementsCounter(t *testing.T) {
	s := newTestStore(t, time.Hour)

	cls := urlcheck.Classification{
		URL:             "https://example.com/a",
		Valid:           true,
		DetectionMethod: urlcheck.MethodNone,
	}
	if err := s.CachePut(cls.URL, cls); err != nil {
		t.Fatal(err)
	}

	first, err := s.CacheHit(cls.URL)
	if err != nil {
		t.Fatal(err)
	}
	if first == nil {
		t.Fatal("want a cache hit")
	}
	if first.Hits != 1 {
		t.Fatalf("hits = %d, want 1", first.Hits)
	}
	if first.Classification.DetectionMethod != urlcheck.MethodNone {
		t.Fatalf("classification = %+v", first.Classification)
	}

	second, err := s.CacheHit(cls.URL)
	if err != nil {
		t.Fatal(err)
	}
	if second.Hits != 2 {
		t.Fatalf("hits = %d, want 2", second.Hits)
	}
}

func TestCache_MissReturnsNil(t *testing.T) {
	s := newTestStore(t, time.Hour)

	entry, err := s.CacheHit("https://never-stored.example/")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("want nil, got %+v", entry)
	}
}

func TestCache_ExpiredEntryIsDropped(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)

	if err := s.CachePut("https://example.com/x", urlcheck.Classification{Valid: true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	entry, err := s.CacheHit("https://example.com/x")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Fatalf("expired entry should be absent, got %+v", entry)
	}
}

func TestPruneExpiredCache(t *testing.T) {
	s := newTestStore(t, 10*time.Millisecond)

	if err := s.CachePut("https://old.example/", urlcheck.Classification{Valid: true}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := s.CachePut("https://fresh.example/", urlcheck.Classification{Valid: true}); err != nil {
		t.Fatal(err)
	}

	pruned, err := s.PruneExpiredCache()
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	fresh, err := s.CacheHit("https://fresh.example/")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == nil {
		t.Fatal("fresh entry must survive pruning")
	}
}

func TestListAddAndListAll(t *testing.T) {
	s := newTestStore(t, time.Hour)

	for _, d := range []string{"evil.com", "bad.net"} {
		if err := s.ListAdd(urlcheck.ListBlacklist, d); err != nil {
			t.Fatal(err)
		}
	}
	// Re-adding is idempotent.
	if err := s.ListAdd(urlcheck.ListBlacklist, "evil.com"); err != nil {
		t.Fatal(err)
	}
	if err := s.ListAdd(urlcheck.ListWhitelist, "good.org"); err != nil {
		t.Fatal(err)
	}

	black, err := s.ListAll(urlcheck.ListBlacklist)
	if err != nil {
		t.Fatal(err)
	}
	if len(black) != 2 {
		t.Fatalf("blacklist = %v, want 2 entries", black)
	}

	white, err := s.ListAll(urlcheck.ListWhitelist)
	if err != nil {
		t.Fatal(err)
	}
	if len(white) != 1 || white[0] != "good.org" {
		t.Fatalf("whitelist = %v", white)
	}
}

func TestListAdd_UnknownList(t *testing.T) {
	s := newTestStore(t, time.Hour)

	if err := s.ListAdd("greylist", "x.com"); err == nil {
		t.Fatal("unknown list must error")
	}
	if _, err := s.ListAll("greylist"); err == nil {
		t.Fatal("unknown list must error")
	}
}

func TestSizeBytes(t *testing.T) {
	s := newTestStore(t, time.Hour)

	size, err := s.SizeBytes()
	if err != nil {
		t.Fatal(err)
	}
	if size <= 0 {
		t.Fatalf("size = %d, want > 0", size)
	}
}
