package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/config"
	"github.com/mercurehub/hub/internal/hub"
	"github.com/mercurehub/hub/internal/transport"
)

func signPublishToken(t *testing.T, secret []byte, publish, subscribe []string) string {
	t.Helper()
	claims := struct {
		jwt.RegisteredClaims
		Mercure struct {
			Publish   []string `json:"publish"`
			Subscribe []string `json:"subscribe"`
		} `json:"mercure"`
	}{}
	claims.Mercure.Publish = publish
	claims.Mercure.Subscribe = subscribe

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func newTestServer(t *testing.T, secret []byte) *Server {
	t.Helper()
	tr := transport.NewMemoryTransport(10)
	h := hub.New(tr)
	v := auth.NewVerifier(auth.Options{SharedKey: secret})
	cfg := &config.Configuration{}
	return New(cfg, h, v)
}

func publishRequest(token string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "https://ex.com/.well-known/mercure", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHandlePublishSucceedsForCoveredTopic(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"https://ex.com/books/{id}"}, nil)

	form := url.Values{"topic": {"https://ex.com/books/1"}, "data": {"hello"}}
	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest(token, form))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected the update id in the response body")
	}
}

func TestHandlePublishRejectsUncoveredTopic(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"https://ex.com/movies/{id}"}, nil)

	form := url.Values{"topic": {"https://ex.com/books/1"}}
	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest(token, form))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlePublishRejectsMissingToken(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)

	form := url.Values{"topic": {"https://ex.com/books/1"}}
	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest("", form))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlePublishRejectsMissingTopic(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"*"}, nil)

	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest(token, url.Values{}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePublishRejectsWrongContentType(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"*"}, nil)

	req := httptest.NewRequest(http.MethodPost, "https://ex.com/.well-known/mercure", strings.NewReader(`{"topic":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	rec := httptest.NewRecorder()
	s.handlePublish(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestHandlePublishRejectsMalformedRetryAsBadRequest(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"https://ex.com/books/{id}"}, nil)

	form := url.Values{"topic": {"https://ex.com/books/1"}, "retry": {"abc"}}
	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest(token, form))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a malformed retry value, not a selector-authorization failure", rec.Code)
	}
}

func TestHandlePublishRejectsExplicitIDOutsideSelectorCoverage(t *testing.T) {
	secret := []byte("shared-secret")
	s := newTestServer(t, secret)
	token := signPublishToken(t, secret, []string{"https://ex.com/books/{id}"}, nil)

	form := url.Values{"topic": {"https://ex.com/books/1"}, "id": {"not-a-covered-id"}}
	rec := httptest.NewRecorder()
	s.handlePublish(rec, publishRequest(token, form))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
