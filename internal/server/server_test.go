package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthzAlwaysOK(t *testing.T) {
	s := newTestServer(t, []byte("secret"))
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyzReflectsSetReady(t *testing.T) {
	s := newTestServer(t, []byte("secret"))

	rec := httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 before SetReady(true)", rec.Code)
	}

	s.SetReady(true)
	rec = httptest.NewRecorder()
	s.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after SetReady(true)", rec.Code)
	}
}

func TestLimiterForReturnsNilWhenUnconfigured(t *testing.T) {
	s := newTestServer(t, []byte("secret"))
	if l := s.limiterFor("anyone"); l != nil {
		t.Fatalf("expected a nil limiter when PublishRateLimit is unset, got %v", l)
	}
}

func TestLimiterForIsStablePerIdentity(t *testing.T) {
	s := newTestServer(t, []byte("secret"))
	s.cfg.PublishRateLimit = 10
	s.cfg.PublishRateBurst = 5

	a1 := s.limiterFor("alice")
	a2 := s.limiterFor("alice")
	b := s.limiterFor("bob")

	if a1 != a2 {
		t.Fatal("expected the same limiter instance for the same identity")
	}
	if a1 == b {
		t.Fatal("expected distinct limiters for distinct identities")
	}
}

func TestHandlerRoutesWellKnownAndHealthEndpoints(t *testing.T) {
	s := newTestServer(t, []byte("secret"))
	s.SetReady(true)
	h := s.Handler()

	for _, tc := range []struct {
		method, path string
		wantNot      int
	}{
		{http.MethodGet, "/healthz", http.StatusNotFound},
		{http.MethodGet, "/readyz", http.StatusNotFound},
		{http.MethodPost, WellKnownPath, http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code == tc.wantNot {
			t.Fatalf("%s %s: got %d, did not expect a 404 routing miss", tc.method, tc.path, rec.Code)
		}
	}
}
