package transport

import (
	"context"
	"sync"

	"github.com/mercurehub/hub/internal/update"
)

// MemoryTransport is the default, single-process Transport: a bounded ring
// buffer of retained Updates plus an in-process listener registry. It never
// dials out and is always available, making it the zero-configuration
// default and the baseline every other adapter is tested against.
type MemoryTransport struct {
	mu        sync.RWMutex
	capacity  int
	log       []*update.Update // ring buffer, oldest first
	index     map[string]int   // update id -> position in log, removed once evicted
	listeners map[EventKind][]registration
	nextID    int
}

type registration struct {
	id int
	fn Listener
}

// DefaultMemoryCapacity bounds how many Updates the ring buffer retains for
// Last-Event-ID replay before the oldest are evicted.
const DefaultMemoryCapacity = 1000

// NewMemoryTransport builds a MemoryTransport retaining up to capacity
// Updates. capacity <= 0 selects DefaultMemoryCapacity.
func NewMemoryTransport(capacity int) *MemoryTransport {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryTransport{
		capacity:  capacity,
		index:     make(map[string]int),
		listeners: make(map[EventKind][]registration),
	}
}

// Protocol implements Transport.
func (m *MemoryTransport) Protocol() string { return "memory" }

// Connect implements Transport; the in-memory adapter has nothing to dial.
func (m *MemoryTransport) Connect(ctx context.Context) error { return nil }

// Close implements Transport; it drops every retained Update and listener.
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
	m.index = make(map[string]int)
	m.listeners = make(map[EventKind][]registration)
	return nil
}

// Publish implements Transport. Listeners are snapshotted under the same
// write lock as the append and invoked outside any lock, so a slow or re-entrant listener cannot
// deadlock Publish or block other readers.
func (m *MemoryTransport) Publish(ctx context.Context, u *update.Update) error {
	m.mu.Lock()
	m.log = append(m.log, u)
	if len(m.log) > m.capacity {
		evicted := m.log[0]
		m.log = m.log[1:]
		delete(m.index, evicted.ID)
		for id := range m.index {
			m.index[id]--
		}
	}
	m.index[u.ID] = len(m.log) - 1
	listeners := append([]registration(nil), m.listeners[KindUpdate]...)
	m.mu.Unlock()

	for _, r := range listeners {
		r.fn(Event{Kind: KindUpdate, Update: u})
	}
	return nil
}

// EventsAfter implements Transport by scanning the retained ring buffer.
func (m *MemoryTransport) EventsAfter(ctx context.Context, id string) ([]*update.Update, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id == EarliestID {
		out := make([]*update.Update, len(m.log))
		copy(out, m.log)
		return out, nil
	}

	pos, ok := m.index[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*update.Update, len(m.log)-pos-1)
	copy(out, m.log[pos+1:])
	return out, nil
}

// On implements Transport. The registry is copy-on-write: On and Off rebuild
// the slice for the affected kind rather than mutating it in place, so a
// snapshot taken by Publish or Emit is never mutated concurrently.
func (m *MemoryTransport) On(kind EventKind, fn Listener) Unregister {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[kind] = append(append([]registration(nil), m.listeners[kind]...), registration{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur := m.listeners[kind]
		next := make([]registration, 0, len(cur))
		for _, r := range cur {
			if r.id != id {
				next = append(next, r)
			}
		}
		m.listeners[kind] = next
	}
}

// Emit implements Transport for the non-durable lifecycle events.
func (m *MemoryTransport) Emit(ctx context.Context, evt Event) {
	m.mu.RLock()
	listeners := append([]registration(nil), m.listeners[evt.Kind]...)
	m.mu.RUnlock()

	for _, r := range listeners {
		r.fn(evt)
	}
}
