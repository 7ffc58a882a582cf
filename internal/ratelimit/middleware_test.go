package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func middlewareUnderTest(capacity int) (http.Handler, *MemoryStats) {
	reg := NewRegistry(RegistryConfig{
		Default:     Limit{Capacity: capacity, Window: time.Minute},
		APIKeyLimit: Limit{Capacity: capacity, Window: time.Minute},
	})
	stats := NewMemoryStats()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return Middleware(reg, stats, zerolog.Nop())(next), stats
}

func TestMiddleware_AllowSetsRemainingHeader(t *testing.T) {
	h, _ := middlewareUnderTest(5)

	req := httptest.NewRequest(http.MethodGet, "/v1/urls/stats", nil)
	req.RemoteAddr = "10.0.0.1:55000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Fatalf("X-RateLimit-Remaining = %q, want \"4\"", got)
	}
}

func TestMiddleware_RejectSendsRetryAfter(t *testing.T) {
	h, stats := middlewareUnderTest(1)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/urls/stats", nil)
		req.RemoteAddr = "10.0.0.1:55000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if i == 0 {
			if rec.Code != http.StatusOK {
				t.Fatalf("first request status = %d, want 200", rec.Code)
			}
			continue
		}

		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status = %d, want 429", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Fatal("429 must carry Retry-After")
		}
		if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
			t.Fatalf("X-RateLimit-Remaining = %q, want \"0\"", got)
		}
	}

	allowed, denied := stats.Snapshot()
	if allowed != 1 || denied != 1 {
		t.Fatalf("stats = (%d, %d), want (1, 1)", allowed, denied)
	}
}

func TestMiddleware_ForwardedForTakesPriority(t *testing.T) {
	h, _ := middlewareUnderTest(1)

	// Two different forwarded clients behind the same proxy address must
	// not share a bucket.
	for _, client := range []string{"203.0.113.7", "203.0.113.8"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/urls/stats", nil)
		req.RemoteAddr = "10.0.0.1:55000"
		req.Header.Set("X-Forwarded-For", client+", 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("client %s: status = %d, want 200", client, rec.Code)
		}
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"forwarded first entry", "10.0.0.1:1234", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"remote host", "10.0.0.1:1234", "", "10.0.0.1"},
		{"unparseable remote", "bogus", "", "bogus"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientKey(req); got != tc.want {
				t.Fatalf("ClientKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := APIKey(req); got != "" {
		t.Fatalf("no credential: got %q", got)
	}

	req.Header.Set("Authorization", "Bearer tok-123")
	if got := APIKey(req); got != "tok-123" {
		t.Fatalf("bearer: got %q", got)
	}

	// X-API-Key wins over the Authorization header.
	req.Header.Set("X-API-Key", "key-456")
	if got := APIKey(req); got != "key-456" {
		t.Fatalf("x-api-key: got %q", got)
	}
}
