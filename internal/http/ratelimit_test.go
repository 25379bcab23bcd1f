package http

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPRateLimiter_PerClientBuckets(t *testing.T) {
	rl := newIPRateLimiter(rate.Every(time.Hour), 3)
	defer rl.close()

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("expected denial after burst exhausted")
	}

	// Another client has its own bucket.
	if !rl.allow("10.0.0.2") {
		t.Error("expected fresh client to be allowed")
	}
}

func TestIPRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := newIPRateLimiter(rate.Every(time.Hour), 1)
	defer rl.close()

	if !rl.allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("expected bucket exhausted")
	}

	rl.mu.Lock()
	rl.clients["10.0.0.1"].lastSeen = time.Now().Add(-10 * time.Minute)
	rl.mu.Unlock()
	rl.evictIdle(3 * time.Minute)

	rl.mu.Lock()
	remaining := len(rl.clients)
	rl.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle bucket evicted, %d remain", remaining)
	}

	// A fresh bucket admits the client again.
	if !rl.allow("10.0.0.1") {
		t.Error("expected request allowed after eviction")
	}
}

func TestServer_RateLimitsWrites(t *testing.T) {
	s := newTestServer(t, &stubSyncer{})

	post := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		s.Server.Handler.ServeHTTP(rec, req)
		return rec.Code
	}

	var limited bool
	for i := 0; i < 11; i++ {
		code := post("203.0.113.1")
		if code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if code != http.StatusOK {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if !limited {
		t.Fatal("expected 429 after exhausting the write burst")
	}

	// The throttled client gets a Retry-After hint.
	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected sustained 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}

	// Other clients are unaffected, and reads are never limited.
	if code := post("203.0.113.2"); code != http.StatusOK {
		t.Errorf("second client = %d", code)
	}
	getReq := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	getReq.Header.Set("X-Forwarded-For", "203.0.113.1")
	getRec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Errorf("GET from throttled client = %d", getRec.Code)
	}
}
