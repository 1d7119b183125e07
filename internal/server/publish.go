package server

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/mercurehub/hub/internal/metrics"
	"github.com/mercurehub/hub/internal/update"
)

// handlePublish implements POST /.well-known/mercure: publishers are never
// anonymous, so a missing or invalid token always ends the request here,
// regardless of cfg.AnonymousAccess (that flag governs subscription only).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	token, err := s.verifier.ExtractToken(r)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	caps, err := s.verifier.Verify(token, baseURL(r))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	identity := token
	if limiter := s.limiterFor(identity); limiter != nil && !limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, r, KindTooManyRequests, "publish rate limit exceeded")
		return
	}

	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/x-www-form-urlencoded" {
		w.Header().Set("Accept", "application/x-www-form-urlencoded")
		writeError(w, r, KindUnsupportedMediaType, "request body must be application/x-www-form-urlencoded")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, r, KindMalformedRequest, "could not parse request body: "+err.Error())
		return
	}

	topics := nonEmptyStrings(r.PostForm["topic"])
	if len(topics) == 0 {
		writeError(w, r, KindMalformedRequest, "at least one topic field is required")
		return
	}
	if !caps.CanPublish(topics) {
		writeError(w, r, KindForbidden, "token's publish selectors do not cover any of the given topics")
		return
	}

	idAllowed := update.IDCoverage(func(id string) bool { return caps.CanPublish([]string{id}) })
	u, err := update.Build(r.PostForm, time.Now(), idAllowed)
	if err != nil {
		if errors.Is(err, update.ErrIDNotAllowed) {
			writeError(w, r, KindForbidden, err.Error())
			return
		}
		writeError(w, r, KindMalformedRequest, err.Error())
		return
	}

	if err := s.hub.Publish(r.Context(), u); err != nil {
		writeError(w, r, KindInternal, "could not publish update: "+err.Error())
		return
	}

	metrics.UpdatesPublished.Inc()
	metrics.UpdatesDispatched.WithLabelValues(strconv.FormatBool(u.Private)).Inc()

	writeSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(u.ID))
}

