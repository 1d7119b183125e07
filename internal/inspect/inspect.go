// Package inspect exposes the admin-only subscription inspector: a read-only
// view over the Hub's live subscriber registry. It depends on hub and auth
// only through their exported, already-snapshotted surfaces, so the core
// fan-out path never imports this package back.
package inspect

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mercurehub/hub/internal/auth"
	"github.com/mercurehub/hub/internal/hub"
)

// Entry is one row of the subscription inspector's response: one per
// {subscription, topic} pair, mirroring mercure.rocks' own subscription API
// shape.
type Entry struct {
	ID      string          `json:"id"`
	Topic   string          `json:"topic"`
	Active  bool            `json:"active"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Handler serves the subscription inspector. It is wired into the outer
// mux by the caller, not by Server itself, keeping the core server ignorant
// of this supplementary surface.
type Handler struct {
	hub      *hub.Hub
	verifier *auth.Verifier

	upgrader websocket.Upgrader
}

// NewHandler builds an inspector Handler over h, authorizing every request
// through verifier.
func NewHandler(h *hub.Hub, verifier *auth.Verifier) *Handler {
	return &Handler{
		hub:      h,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Prefix is the path this Handler is mounted at.
const Prefix = "/.well-known/mercure/subscriptions"

// ServeHTTP implements http.Handler. The path tail after Prefix is
// "[/{topic}][/{subscriberID}]", both optional filters.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	caps, err := h.authorizeAdmin(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	_ = caps

	topicFilter, idFilter := splitTail(strings.TrimPrefix(r.URL.Path, Prefix))

	if strings.Contains(r.Header.Get("Upgrade"), "websocket") {
		h.serveWebSocket(w, r, topicFilter, idFilter)
		return
	}

	entries := h.snapshot(topicFilter, idFilter)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Subscriptions []Entry `json:"subscriptions"`
	}{Subscriptions: entries})
}

// authorizeAdmin requires a token whose publish selectors include the
// literal wildcard "*", mirroring mercure.rocks' own admin gate on this
// endpoint: only a publisher trusted with every topic may inspect every
// subscriber.
func (h *Handler) authorizeAdmin(r *http.Request) (auth.Capabilities, error) {
	token, err := h.verifier.ExtractToken(r)
	if err != nil {
		return auth.Capabilities{}, err
	}
	caps, err := h.verifier.Verify(token, "")
	if err != nil {
		return auth.Capabilities{}, err
	}
	for _, sel := range caps.Publish {
		if sel.Raw() == "*" {
			return caps, nil
		}
	}
	return auth.Capabilities{}, errInsufficientScope
}

var errInsufficientScope = httpError("inspect: token's publish selectors do not include the wildcard")

type httpError string

func (e httpError) Error() string { return string(e) }

func (h *Handler) snapshot(topicFilter, idFilter string) []Entry {
	subs := h.hub.Snapshot()
	entries := make([]Entry, 0, len(subs))
	for _, s := range subs {
		if idFilter != "" && s.ID != idFilter {
			continue
		}
		for _, t := range s.Topics {
			if topicFilter != "" && t != topicFilter {
				continue
			}
			entries = append(entries, Entry{ID: s.ID, Topic: t, Active: true})
		}
	}
	return entries
}

// serveWebSocket upgrades the connection and pushes the filtered snapshot
// every tick, for an admin dashboard that wants a live view without polling.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, topicFilter, idFilter string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		entries := h.snapshot(topicFilter, idFilter)
		if err := conn.WriteJSON(struct {
			Subscriptions []Entry `json:"subscriptions"`
		}{Subscriptions: entries}); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

// splitTail parses "/{topic}/{subscriberID}" or "/{topic}" or "" into its two
// optional filters.
func splitTail(tail string) (topicFilter, idFilter string) {
	tail = strings.Trim(tail, "/")
	if tail == "" {
		return "", ""
	}
	parts := strings.SplitN(tail, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}
