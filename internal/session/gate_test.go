package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"moneta/internal/remote"
)

const testSecret = "test-secret"

func testGateConfig() Config {
	return Config{
		Secret:        testSecret,
		SessionTTL:    time.Hour,
		LoginGraceTTL: 90 * time.Second,
	}
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func gatedRequest(t *testing.T, gate *Gate, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	var called bool
	rec := httptest.NewRecorder()
	gate.Middleware(okHandler(&called)).ServeHTTP(rec, req)
	return rec, called
}

func TestGate_NoCredentialsRedirects(t *testing.T) {
	gate := NewGate(testGateConfig(), remote.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/dashboard?view=month", nil)
	rec, called := gatedRequest(t, gate, req)

	if called {
		t.Fatal("handler must not run without a session")
	}
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	location := rec.Header().Get("Location")
	want := "/login?redirect=%2Fdashboard%3Fview%3Dmonth"
	if location != want {
		t.Errorf("expected redirect to %s, got %s", want, location)
	}
}

func TestGate_RemoteCheckMintsMarker(t *testing.T) {
	store := remote.NewMemoryStore()
	store.AddSession("token-1", remote.Session{UserID: "u1", Email: "u1@example.com"})
	gate := NewGate(testGateConfig(), store)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec, called := gatedRequest(t, gate, req)

	if !called {
		t.Fatal("expected handler to run with a valid token")
	}

	var marker *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == MarkerCookie {
			marker = c
		}
	}
	if marker == nil {
		t.Fatal("expected session marker cookie to be set")
	}

	// The marker alone admits the next request, no token needed.
	req = httptest.NewRequest(http.MethodGet, "/reports", nil)
	req.AddCookie(marker)
	_, called = gatedRequest(t, gate, req)
	if !called {
		t.Error("expected marker cookie to admit the request")
	}
}

func TestGate_AccessTokenCookie(t *testing.T) {
	store := remote.NewMemoryStore()
	store.AddSession("token-2", remote.Session{UserID: "u2"})
	gate := NewGate(testGateConfig(), store)

	req := httptest.NewRequest(http.MethodGet, "/calendar", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "token-2"})
	_, called := gatedRequest(t, gate, req)
	if !called {
		t.Error("expected access token cookie to admit the request")
	}
}

func TestGate_UnknownTokenRedirects(t *testing.T) {
	gate := NewGate(testGateConfig(), remote.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/profile", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec, called := gatedRequest(t, gate, req)
	if called {
		t.Fatal("handler must not run with an unknown token")
	}
	if rec.Code != http.StatusSeeOther {
		t.Errorf("expected 303, got %d", rec.Code)
	}
}

func TestGate_LoginMarkerBridgesGap(t *testing.T) {
	gate := NewGate(testGateConfig(), remote.NewMemoryStore())

	rec := httptest.NewRecorder()
	gate.MintLoginMarker(rec, "u1")
	var login *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == LoginCookie {
			login = c
		}
	}
	if login == nil {
		t.Fatal("expected login marker cookie")
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(login)
	_, called := gatedRequest(t, gate, req)
	if !called {
		t.Error("expected fresh login marker to admit the request")
	}
}

func TestGate_ExpiredMarkerRejected(t *testing.T) {
	gate := NewGate(testGateConfig(), remote.NewMemoryStore())

	rec := httptest.NewRecorder()
	gate.setMarker(rec, MarkerCookie, "u1", time.Hour)
	var marker *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == MarkerCookie {
			marker = c
		}
	}

	// Shift the clock past the marker's expiry.
	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(marker)
	res, called := gatedRequest(t, gate, req)
	if called {
		t.Fatal("expected expired marker to be rejected")
	}
	if res.Code != http.StatusSeeOther {
		t.Errorf("expected 303, got %d", res.Code)
	}
}

func TestGate_TamperedMarkerRejected(t *testing.T) {
	gate := NewGate(testGateConfig(), remote.NewMemoryStore())

	rec := httptest.NewRecorder()
	gate.setMarker(rec, MarkerCookie, "u1", time.Hour)
	marker := rec.Result().Cookies()[0]
	marker.Value += "x"

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(marker)
	_, called := gatedRequest(t, gate, req)
	if called {
		t.Error("expected tampered marker to be rejected")
	}
}

func TestGate_DevBypass(t *testing.T) {
	cfg := testGateConfig()
	cfg.DevBypass = true
	gate := NewGate(cfg, remote.NewMemoryStore())

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	_, called := gatedRequest(t, gate, req)
	if !called {
		t.Error("expected dev bypass to admit the request")
	}
}

func TestGate_PositiveCheckCached(t *testing.T) {
	store := remote.NewMemoryStore()
	store.AddSession("token-3", remote.Session{UserID: "u3"})
	gate := NewGate(testGateConfig(), store)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.Header.Set("Authorization", "Bearer token-3")
		if _, called := gatedRequest(t, gate, req); !called {
			t.Fatalf("request %d rejected", i)
		}
	}
	if got := gate.checks.Size(); got != 1 {
		t.Errorf("expected 1 cached check, got %d", got)
	}
}
