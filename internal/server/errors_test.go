package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorJSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	writeError(rec, req, KindForbidden, "selector does not cover this topic")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	var p problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if p.Status != http.StatusForbidden || p.Error != "forbidden" {
		t.Fatalf("got %+v", p)
	}
}

func TestWriteErrorPlainTextByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	writeError(rec, req, KindNotFound, "no such subscription")

	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "no such subscription\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestWriteErrorAuthRequiredSetsWWWAuthenticate(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	writeError(rec, req, KindAuthRequired, "")

	if got := rec.Header().Get("WWW-Authenticate"); got != `Bearer realm="mercure"` {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
	if rec.Body.String() != "auth_required\n" {
		t.Fatalf("body = %q, want the kind label when detail is empty", rec.Body.String())
	}
}
