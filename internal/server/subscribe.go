package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/metrics"
	"github.com/mercurehub/hub/internal/subscriber"
	"github.com/mercurehub/hub/internal/topic"
	"github.com/mercurehub/hub/internal/transport"
	"github.com/mercurehub/hub/internal/update"
)

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	caps, err := s.authorize(r)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}

	raw := nonEmptyStrings(r.URL.Query()["topic"])
	if len(raw) == 0 {
		writeError(w, r, KindMalformedRequest, "at least one topic query parameter is required")
		return
	}
	if s.cfg.MaxTopicsPerSub > 0 && len(raw) > s.cfg.MaxTopicsPerSub {
		writeError(w, r, KindMalformedRequest, "too many topics in one subscription")
		return
	}
	if s.cfg.MaxSubscribers > 0 && len(s.hub.Snapshot()) >= s.cfg.MaxSubscribers {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	base := baseURL(r)
	selectors := make([]*topic.Selector, 0, len(raw))
	for _, t := range raw {
		sel, err := topic.Compile(t, base)
		if err != nil {
			writeError(w, r, KindMalformedRequest, "invalid topic selector: "+err.Error())
			return
		}
		selectors = append(selectors, sel)
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("lastEventId")
	}
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last-event-id")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, KindInternal, "streaming not supported by this response writer")
		return
	}

	subscriberID := "urn:uuid:" + uuid.NewString()
	canAccess := func(u *update.Update) bool { return caps.CanSubscribe(u.Topics()) }
	es := subscriber.New(subscriberID, selectors, canAccess).WithHeartbeat(s.cfg.HeartbeatInterval)

	// ctx ends the stream on client disconnect, server shutdown, or a
	// queue-overflow disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var unregister transport.Unregister
	disconnect := func(reason error) {
		if unregister != nil {
			unregister()
		}
		cancel()
	}
	// The live listener is registered before the replay scan below runs, so no
	// update published between the two can be missed: it lands in the queue
	// the listener feeds, and the subscriber's replayed-id set drops anything
	// also returned by EventsAfter.
	unregister = s.hub.Subscribe(r.Context(), es.Subscription(raw, disconnect))
	defer unregister()

	metrics.SubscribersActive.Inc()
	metrics.SubscriptionsActive.Add(float64(len(raw)))
	s.hub.NotifyConnect(r.Context(), subscriberID)
	defer func() {
		metrics.SubscribersActive.Dec()
		metrics.SubscriptionsActive.Sub(float64(len(raw)))
		s.hub.NotifyDisconnect(r.Context(), subscriberID)
	}()

	var replayMatching []*update.Update
	if lastEventID != "" {
		replay, err := s.hub.EventsAfter(r.Context(), lastEventID)
		if err == nil {
			replayMatching = make([]*update.Update, 0, len(replay))
			for _, u := range replay {
				if topic.AnyMatches(selectors, u.Topics()) {
					replayMatching = append(replayMatching, u)
				}
			}
		}
		// A replay read failure is logged by the transport layer and simply
		// joins the subscriber to the live stream without history.
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "private, no-cache, no-store, must-revalidate, max-age=0")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if lastEventID != "" {
		latest := lastEventID
		if n := len(replayMatching); n > 0 {
			latest = replayMatching[n-1].ID
		}
		w.Header().Set("Last-Event-ID", latest)
	}
	writeSecurityHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if len(replayMatching) > 0 {
		_ = es.Replay(w, replayMatching)
		flusher.Flush()
	}

	if err := es.Run(ctx, w); err != nil {
		metrics.SSEWriteErrors.Inc()
	}
}

// nonEmptyStrings filters out empty query-parameter values.
func nonEmptyStrings(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
	if err == auth.ErrNoToken {
		writeError(w, r, KindAuthRequired, "no authorization token found")
		return
	}
	writeError(w, r, KindForbidden, err.Error())
}

func authFailureReason(err error) string {
	if err == auth.ErrNoToken {
		return "no_token"
	}
	return "invalid_token"
}

// authorize resolves the caller's auth.Capabilities, or an anonymous (empty)
// Capabilities value when no token was supplied and anonymous access is
// permitted.
func (s *Server) authorize(r *http.Request) (auth.Capabilities, error) {
	token, err := s.verifier.ExtractToken(r)
	if err != nil {
		if err == auth.ErrNoToken && s.cfg.AnonymousAccess {
			return auth.Capabilities{}, nil
		}
		return auth.Capabilities{}, err
	}
	return s.verifier.Verify(token, baseURL(r))
}
