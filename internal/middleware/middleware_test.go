package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCORS_ExplicitOriginGetsCredentials(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Origin", "https://app.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Expected credentials for explicit origin, got %q", got)
	}
}

func TestCORS_WildcardNoCredentials(t *testing.T) {
	h := CORS([]string{"*"})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/api/itineraries", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected preflight 200, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://evil.example" {
		t.Error("Expected origin to be echoed for wildcard")
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("Expected no credentials for wildcard match")
	}
}

func TestRateLimit(t *testing.T) {
	l := NewRateLimiter(2)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	h := RateLimit(l, func(r *http.Request) string { return r.Header.Get("X-User") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/itineraries", nil)
		req.Header.Set("X-User", user)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := do("a"); rr.Code != http.StatusOK {
			t.Fatalf("Request %d: expected 200, got %d", i, rr.Code)
		}
	}
	rr := do("a")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("Expected Retry-After 30, got %q", rr.Header().Get("Retry-After"))
	}
	if rr := do("b"); rr.Code != http.StatusOK {
		t.Errorf("Expected another key to pass, got %d", rr.Code)
	}
	if rr := do(""); rr.Code != http.StatusOK {
		t.Errorf("Expected empty key to bypass limiting, got %d", rr.Code)
	}

	now = now.Add(31 * time.Second)
	if rr := do("a"); rr.Code != http.StatusOK {
		t.Errorf("Expected a refilled token, got %d", rr.Code)
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(5)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")
	now = now.Add(time.Hour)
	l.Allow("b")

	if n := l.Sweep(30 * time.Minute); n != 1 {
		t.Errorf("Expected 1 bucket removed, got %d", n)
	}
	if l.Len() != 1 {
		t.Errorf("Expected 1 bucket left, got %d", l.Len())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0)
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("a"); !ok {
			t.Fatal("Expected a disabled limiter to allow everything")
		}
	}
}
