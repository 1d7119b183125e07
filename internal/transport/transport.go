// Package transport defines the pluggable ordered event log backing the hub,
// and ships three adapters: an in-memory ring buffer, a Redis Streams
// adapter, and a PostgreSQL LISTEN/NOTIFY adapter.
package transport

import (
	"context"
	"errors"

	"github.com/mercurehub/hub/internal/update"
)

// EventKind tags the five lifecycle events a Transport can emit.
type EventKind int

const (
	// KindUpdate fires once per published Update.
	KindUpdate EventKind = iota
	// KindConnect fires once per subscriber connection.
	KindConnect
	// KindDisconnect fires once per subscriber disconnection.
	KindDisconnect
	// KindSubscribe fires once per subscription created.
	KindSubscribe
	// KindUnsubscribe fires once per subscription torn down.
	KindUnsubscribe
)

func (k EventKind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	case KindSubscribe:
		return "subscribe"
	case KindUnsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// Event is the payload dispatched to listeners. Update is populated only for
// KindUpdate; SubscriberID/Topic are populated for the subscription-lifecycle
// kinds.
type Event struct {
	Kind         EventKind
	Update       *update.Update
	SubscriberID string
	Topic        string
}

// Listener receives dispatched Events. Implementations must not block for
// long: adapters call listeners synchronously, from Publish (in-memory) or
// from their background reader (Redis, Postgres).
type Listener func(Event)

// Unregister cancels a listener registration.
type Unregister func()

// EarliestID is the sentinel accepted by EventsAfter meaning "replay from the
// beginning of the retained log".
const EarliestID = "earliest"

// ErrNotFound is returned (or substituted for an empty replay) by EventsAfter
// when id is not present in the retained log. Per the spec, this
// implementation resolves that ambiguity by failing closed: no events are
// replayed rather than replaying the whole log.
var ErrNotFound = errors.New("transport: event id not found in retained log")

// Transport is the ordered, replayable event log backing the Hub.
type Transport interface {
	// Protocol returns the URL scheme this Transport handles, e.g. "memory",
	// "redis", "postgres".
	Protocol() string

	// Connect establishes backing connections. Idempotent.
	Connect(ctx context.Context) error

	// Close releases resources. Safe to call once; further calls are no-ops.
	Close() error

	// Publish durably appends u and notifies every currently-registered
	// listener exactly once.
	Publish(ctx context.Context, u *update.Update) error

	// EventsAfter returns every Update published strictly after id, in
	// publication order. id == EarliestID replays the whole retained log.
	// If id is not found, EventsAfter returns ErrNotFound and no events.
	EventsAfter(ctx context.Context, id string) ([]*update.Update, error)

	// On registers fn for events of kind. The returned Unregister removes it.
	On(kind EventKind, fn Listener) Unregister

	// Emit publishes a non-update lifecycle event (connect/disconnect/
	// subscribe/unsubscribe) to registered listeners. It is not part of the
	// durable log.
	Emit(ctx context.Context, evt Event)
}
