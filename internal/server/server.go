// Package server wires the Hub, Transport, and authorization Verifier into
// the HTTP surface mercure.rocks clients speak: the well-known subscribe and
// publish endpoints plus health checks.
package server

import (
	"net/http"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/config"
	"github.com/mercurehub/hub/internal/hub"
	"github.com/mercurehub/hub/internal/inspect"
)

// WellKnownPath is the RFC 5785 well-known URL every Mercure client speaks
// to, for both subscribe (GET) and publish (POST).
const WellKnownPath = "/.well-known/mercure"

// Server holds everything an incoming request needs: the Hub to
// publish/subscribe through, the Verifier to authorize against, and the
// resolved Configuration governing limits and policy.
type Server struct {
	cfg       *config.Configuration
	hub       *hub.Hub
	verifier  *auth.Verifier
	inspector *inspect.Handler

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	ready atomic.Bool
}

// New builds a Server. Call SetReady(true) once the Hub's Transport has
// connected; /readyz reflects it.
func New(cfg *config.Configuration, h *hub.Hub, verifier *auth.Verifier) *Server {
	return &Server{
		cfg:       cfg,
		hub:       h,
		verifier:  verifier,
		inspector: inspect.NewHandler(h, verifier),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetReady flips the /readyz signal.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler builds the complete routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WellKnownPath, s.handleSubscribe)
	mux.HandleFunc("POST "+WellKnownPath, s.handlePublish)
	mux.Handle("GET "+inspect.Prefix, s.inspector)
	mux.Handle("GET "+inspect.Prefix+"/", s.inspector)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	var handler http.Handler = mux
	handler = corsMiddleware(s.cfg.AllowedOrigins, handler)
	handler = logMiddleware(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	writeSecurityHeaders(w)
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// limiterFor returns the token-bucket limiter for a publisher identity,
// creating one on first use. One bucket per identity means a noisy
// publisher cannot starve another's rate allowance.
func (s *Server) limiterFor(identity string) *rate.Limiter {
	if s.cfg.PublishRateLimit <= 0 {
		return nil
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if l, ok := s.limiters[identity]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.PublishRateLimit), s.cfg.PublishRateBurst)
	s.limiters[identity] = l
	return l
}

func baseURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}
