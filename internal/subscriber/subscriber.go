// Package subscriber implements the per-connection state machine that turns
// a hub.Subscription into bytes written to an SSE http.ResponseWriter: it
// owns the bounded outbound queue, the authorization check against an
// update's private flag, and the heartbeat ticker that keeps idle
// connections from being reaped by intermediaries.
package subscriber

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mercurehub/hub/internal/hub"
	"github.com/mercurehub/hub/internal/topic"
	"github.com/mercurehub/hub/internal/update"
)

// State is the subscriber connection's lifecycle stage.
type State int

const (
	// StateOpening is set until the initial response headers are flushed.
	StateOpening State = iota
	// StateActive is set once the event stream is live and dispatching.
	StateActive
	// StateClosing is set when Run observes ctx cancellation, just before it
	// returns and the state becomes StateClosed.
	StateClosing
	// StateClosed is terminal.
	StateClosed
)

// DefaultQueueCapacity bounds how many pending Updates a subscriber's
// outbound queue holds before the backpressure policy kicks in.
const DefaultQueueCapacity = 256

// DefaultHeartbeatInterval is how often a comment-only keepalive line is
// written to idle connections.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrQueueOverflow is the reason a subscriber is disconnected when its
// outbound queue fills up faster than the client can drain it.
var ErrQueueOverflow = errors.New("subscriber: outbound queue overflow")

// CanAccess reports whether an update is visible to this subscriber: public
// updates are visible to anyone whose selectors match; private updates
// additionally require the subscriber's authorization to cover the update's
// topics.
type CanAccess func(u *update.Update) bool

// EventStream drives one subscriber's SSE connection: it registers with the
// Hub, relays matching Updates onto a bounded channel, and writes them out as
// SSE frames with periodic heartbeats.
type EventStream struct {
	ID        string
	Selectors []*topic.Selector
	CanAccess CanAccess

	heartbeat time.Duration
	queue     chan *update.Update
	state     State
	replayed  map[string]bool
}

// New builds an EventStream for the given selectors. canAccess may be nil,
// meaning every matching update is visible (no private-update filtering).
func New(id string, selectors []*topic.Selector, canAccess CanAccess) *EventStream {
	if canAccess == nil {
		canAccess = func(*update.Update) bool { return true }
	}
	return &EventStream{
		ID:        id,
		Selectors: selectors,
		CanAccess: canAccess,
		heartbeat: DefaultHeartbeatInterval,
		queue:     make(chan *update.Update, DefaultQueueCapacity),
		state:     StateOpening,
		replayed:  make(map[string]bool),
	}
}

// WithHeartbeat overrides the default heartbeat interval; 0 disables
// heartbeats entirely.
func (es *EventStream) WithHeartbeat(d time.Duration) *EventStream {
	es.heartbeat = d
	return es
}

// enqueue is the hub.Subscription.Deliver callback: it applies the
// private-update authorization check, then offers the update to the bounded
// queue. A full queue means the subscriber is falling behind; rather than
// block the publisher, the connection is torn down via disconnect.
func (es *EventStream) enqueue(disconnect func(reason error)) func(*update.Update) {
	return func(u *update.Update) {
		if u.Private && !es.CanAccess(u) {
			return
		}
		select {
		case es.queue <- u:
		default:
			disconnect(ErrQueueOverflow)
		}
	}
}

// Subscription builds the hub.Subscription this EventStream should be
// registered with. rawTopics is the list of selector strings as given on the
// wire, kept for the inspector endpoint.
func (es *EventStream) Subscription(rawTopics []string, disconnect func(reason error)) *hub.Subscription {
	return &hub.Subscription{
		ID:        es.ID,
		Selectors: es.Selectors,
		Topics:    rawTopics,
		Deliver:   es.enqueue(disconnect),
	}
}

// Replay writes updates directly to w, in order, skipping anything private
// the subscriber cannot access. It must be called, at most once, before Run,
// while the live listener is already registered: it records each written id
// so Run's later dequeue does not redeliver an update that arrived on the
// live queue during the scan.
func (es *EventStream) Replay(w http.ResponseWriter, updates []*update.Update) error {
	flusher, _ := w.(http.Flusher)
	for _, u := range updates {
		if es.replayed[u.ID] {
			continue
		}
		if u.Private && !es.CanAccess(u) {
			continue
		}
		if _, err := w.Write(u.SSEFrame()); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		es.replayed[u.ID] = true
	}
	return nil
}

// Run drives the event loop: it writes queued Updates as SSE frames to w,
// interleaved with heartbeat comment lines, until ctx is canceled or a write
// fails. It returns the reason the stream ended, or nil on graceful
// cancellation via ctx.
func (es *EventStream) Run(ctx context.Context, w http.ResponseWriter) error {
	es.state = StateActive
	defer func() { es.state = StateClosed }()

	flusher, _ := w.(http.Flusher)

	var tick <-chan time.Time
	if es.heartbeat > 0 {
		ticker := time.NewTicker(es.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case u, ok := <-es.queue:
			if !ok {
				return nil
			}
			if es.replayed[u.ID] {
				continue
			}
			if _, err := w.Write(u.SSEFrame()); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-tick:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		case <-ctx.Done():
			es.state = StateClosing
			return nil
		}
	}
}

// Pending reports the queue's current depth, for the inspector, without
// exposing the channel itself.
func (es *EventStream) Pending() int { return len(es.queue) }

// StateValue reports the current lifecycle stage.
func (es *EventStream) StateValue() State { return es.state }
