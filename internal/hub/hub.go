// Package hub wraps a transport.Transport with the subscriber registry the
// HTTP layer needs: every live subscription is tracked here so publish can
// be dispatched to matching subscribers and the inspector can list them.
package hub

import (
	"context"
	"sync"

	"github.com/mercurehub/hub/internal/topic"
	"github.com/mercurehub/hub/internal/transport"
	"github.com/mercurehub/hub/internal/update"
)

// Subscription is a hub-level record of one subscriber's interest: a set of
// topic selectors and a callback invoked for every Update that matches at
// least one of them.
type Subscription struct {
	ID        string
	Selectors []*topic.Selector
	Topics    []string // raw selector strings, kept for the inspector
	Deliver   func(*update.Update)
}

// Hub is the thin, in-process registry sitting on top of a Transport. It
// turns "publish an update" into "deliver to every subscription whose
// selectors match", and turns connect/disconnect into Transport lifecycle
// events so every adapter (including remote ones) observes the same signals.
type Hub struct {
	transport transport.Transport

	mu   sync.RWMutex
	subs map[string]*Subscription

	unregisterUpdate transport.Unregister
}

// New builds a Hub over tr and starts listening for durable updates.
func New(tr transport.Transport) *Hub {
	h := &Hub{
		transport: tr,
		subs:      make(map[string]*Subscription),
	}
	h.unregisterUpdate = tr.On(transport.KindUpdate, h.onUpdate)
	return h
}

// Transport exposes the underlying transport.
func (h *Hub) Transport() transport.Transport { return h.transport }

func (h *Hub) onUpdate(evt transport.Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	candidates := evt.Update.Topics()
	for _, s := range subs {
		if topic.AnyMatches(s.Selectors, candidates) {
			s.Deliver(evt.Update)
		}
	}
}

// Publish appends u to the durable log and fans it out to every matching
// local subscription (remote subscribers on other instances receive it via
// their own Transport listener, registered the same way by their own Hub).
func (h *Hub) Publish(ctx context.Context, u *update.Update) error {
	return h.transport.Publish(ctx, u)
}

// EventsAfter replays the durable log for Last-Event-ID resume.
func (h *Hub) EventsAfter(ctx context.Context, id string) ([]*update.Update, error) {
	return h.transport.EventsAfter(ctx, id)
}

// Subscribe registers sub and emits a KindSubscribe lifecycle event per
// selector. The returned Unregister removes the subscription and emits the
// matching KindUnsubscribe events.
func (h *Hub) Subscribe(ctx context.Context, sub *Subscription) transport.Unregister {
	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	for _, t := range sub.Topics {
		h.transport.Emit(ctx, transport.Event{Kind: transport.KindSubscribe, SubscriberID: sub.ID, Topic: t})
	}

	return func() {
		h.mu.Lock()
		delete(h.subs, sub.ID)
		h.mu.Unlock()
		for _, t := range sub.Topics {
			h.transport.Emit(context.Background(), transport.Event{Kind: transport.KindUnsubscribe, SubscriberID: sub.ID, Topic: t})
		}
	}
}

// NotifyConnect emits a KindConnect lifecycle event for subscriberID.
func (h *Hub) NotifyConnect(ctx context.Context, subscriberID string) {
	h.transport.Emit(ctx, transport.Event{Kind: transport.KindConnect, SubscriberID: subscriberID})
}

// NotifyDisconnect emits a KindDisconnect lifecycle event for subscriberID.
func (h *Hub) NotifyDisconnect(ctx context.Context, subscriberID string) {
	h.transport.Emit(ctx, transport.Event{Kind: transport.KindDisconnect, SubscriberID: subscriberID})
}

// Snapshot returns every currently-registered Subscription, for the
// subscription inspector. The returned slice is a copy; mutating it has no
// effect on the Hub.
func (h *Hub) Snapshot() []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Close unregisters the Hub's own Transport listener. It does not close the
// Transport itself; the caller owns that lifecycle.
func (h *Hub) Close() {
	if h.unregisterUpdate != nil {
		h.unregisterUpdate()
	}
}
