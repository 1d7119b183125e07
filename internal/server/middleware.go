package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mercurehub/hub/internal/logging"
	"github.com/mercurehub/hub/internal/metrics"
)

// writeSecurityHeaders sets the headers every response, success or error,
// carries: the server name plus the standard anti-sniffing, framing, XSS and
// referrer headers, since the well-known endpoint is not itself a document
// renderer and has no reason to be embedded.
func writeSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Server", "mercurehub")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "same-origin")
}

// logMiddleware logs method, path, status, and duration for every request,
// and records the same duration on the mercure_http_request_duration_seconds
// histogram. Note that for the SSE subscribe endpoint this duration spans the
// entire connection lifetime, not just header negotiation.
func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		dur := time.Since(start)
		logging.Info("http request",
			"remoteAddr", r.RemoteAddr, "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "durationMs", dur.Milliseconds())
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Observe(dur.Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the embedded writer's Flush when it supports one, so
// wrapping in statusRecorder stays transparent to callers that type-assert
// for http.Flusher — the subscribe handler's SSE stream depends on this.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// corsMiddleware enforces the allowedOrigins list from configuration: when
// origin (from Origin, falling back to Referer) is non-empty and neither "*"
// nor an exact match is allowed, the request is rejected with Forbidden
// before reaching the handler.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Referer")
		}
		if origin != "" && !wildcard && !allowed[origin] {
			writeError(w, r, KindForbidden, "origin not allowed")
			return
		}
		if wildcard {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		next.ServeHTTP(w, r)
	})
}
