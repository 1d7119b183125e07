package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/hub"
	"github.com/mercurehub/hub/internal/transport"
	"github.com/mercurehub/hub/internal/update"
)

func adminToken(t *testing.T, secret []byte) string {
	t.Helper()
	claims := struct {
		jwt.RegisteredClaims
		Mercure struct {
			Publish []string `json:"publish"`
		} `json:"mercure"`
	}{}
	claims.Mercure.Publish = []string{"*"}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestHandlerRejectsRequestWithoutToken(t *testing.T) {
	secret := []byte("s3cret")
	v := auth.NewVerifier(auth.Options{SharedKey: secret})
	h := NewHandler(hub.New(transport.NewMemoryTransport(10)), v)

	req := httptest.NewRequest(http.MethodGet, "https://ex.com"+Prefix, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandlerListsLiveSubscriptions(t *testing.T) {
	secret := []byte("s3cret")
	v := auth.NewVerifier(auth.Options{SharedKey: secret})
	hb := hub.New(transport.NewMemoryTransport(10))
	unsub := hb.Subscribe(context.Background(), &hub.Subscription{
		ID:      "urn:uuid:sub1",
		Topics:  []string{"https://ex.com/books/1"},
		Deliver: func(*update.Update) {},
	})
	defer unsub()

	req := httptest.NewRequest(http.MethodGet, "https://ex.com"+Prefix, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, secret))
	rec := httptest.NewRecorder()
	h := NewHandler(hb, v)
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Subscriptions []Entry `json:"subscriptions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Subscriptions) != 1 || body.Subscriptions[0].ID != "urn:uuid:sub1" {
		t.Fatalf("got %+v", body.Subscriptions)
	}
}
