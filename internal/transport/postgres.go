package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/mercurehub/hub/internal/metrics"
	"github.com/mercurehub/hub/internal/update"
)

// postgresNotifyChannel is the LISTEN/NOTIFY channel every hub instance
// subscribes to for live fan-out; the durable log itself lives in
// mercure_updates, NOTIFY only nudges listeners to read the new row.
const postgresNotifyChannel = "mercure_updates"

// PostgresTransport backs the hub with a durable mercure_updates table plus
// LISTEN/NOTIFY for low-latency fan-out across instances. It talks to pgx
// directly through a pgxpool rather than database/sql: LISTEN/NOTIFY requires a
// dedicated connection held open for the session's lifetime, which does not
// compose with database/sql's connection pooling.
type PostgresTransport struct {
	pool *pgxpool.Pool

	mu        sync.RWMutex
	listeners map[EventKind][]registration
	nextID    int

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewPostgresTransport builds a PostgresTransport over pool, which is used
// for all durable reads/writes. A second, dedicated connection is opened from
// pool for LISTEN, since a pooled connection must not be returned to the pool
// while a session is listening.
func NewPostgresTransport(pool *pgxpool.Pool) *PostgresTransport {
	return &PostgresTransport{
		pool:      pool,
		listeners: make(map[EventKind][]registration),
	}
}

// Connect implements Transport: it ensures mercure_updates exists, then
// starts the background LISTEN loop.
func (p *PostgresTransport) Connect(ctx context.Context) error {
	if p.cancel != nil {
		return nil // already connected
	}
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres transport: ping: %w", err)
	}
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mercure_updates (
			seq         BIGSERIAL PRIMARY KEY,
			update_id   TEXT NOT NULL UNIQUE,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("postgres transport: create table: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Go(func() { p.listenLoop(listenCtx) })
	return nil
}

// Protocol implements Transport.
func (p *PostgresTransport) Protocol() string { return "postgres" }

// Close implements Transport.
func (p *PostgresTransport) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.pool.Close()
	return nil
}

type postgresPayload struct {
	Update *update.Update `json:"update"`
}

// Publish implements Transport by inserting a row and issuing NOTIFY in the
// same transaction, so a listener never observes a notification for a row it
// cannot yet read.
func (p *PostgresTransport) Publish(ctx context.Context, u *update.Update) error {
	payload, err := json.Marshal(postgresPayload{Update: u})
	if err != nil {
		return fmt.Errorf("postgres transport: marshal update: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres transport: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO mercure_updates (update_id, payload) VALUES ($1, $2)`,
		u.ID, payload,
	); err != nil {
		return fmt.Errorf("postgres transport: insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, postgresNotifyChannel, u.ID); err != nil {
		return fmt.Errorf("postgres transport: notify: %w", err)
	}
	return tx.Commit(ctx)
}

// EventsAfter implements Transport by ordering on the monotonic seq column.
func (p *PostgresTransport) EventsAfter(ctx context.Context, id string) ([]*update.Update, error) {
	var rows pgx.Rows
	var err error
	if id == EarliestID {
		rows, err = p.pool.Query(ctx, `SELECT payload FROM mercure_updates ORDER BY seq`)
	} else {
		var seq int64
		lookupErr := p.pool.QueryRow(ctx, `SELECT seq FROM mercure_updates WHERE update_id = $1`, id).Scan(&seq)
		if lookupErr == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("postgres transport: resolve cursor: %w", lookupErr)
		}
		rows, err = p.pool.Query(ctx, `SELECT payload FROM mercure_updates WHERE seq > $1 ORDER BY seq`, seq)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres transport: query: %w", err)
	}
	defer rows.Close()

	var out []*update.Update
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres transport: scan: %w", err)
		}
		var payload postgresPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		out = append(out, payload.Update)
	}
	return out, rows.Err()
}

// listenLoop holds a dedicated connection LISTENing on postgresNotifyChannel
// and re-fetches the notified row, dispatching it to local listeners. It
// reconnects with exponential backoff if the dedicated connection is lost.
func (p *PostgresTransport) listenLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, p.listenOnce(ctx)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(0))
		// Retry also gives up once its default elapsed-time budget is spent;
		// the loop then starts a fresh Retry, so only ctx ends the listener.
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

func (p *PostgresTransport) listenOnce(ctx context.Context) error {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres transport: acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+postgresNotifyChannel); err != nil {
		return fmt.Errorf("postgres transport: listen: %w", err)
	}

	for {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		notification, err := conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue // timeout with no notification; keep the connection warm
		}
		p.fetchAndDispatch(ctx, notification.Payload)
	}
}

func (p *PostgresTransport) fetchAndDispatch(ctx context.Context, updateID string) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM mercure_updates WHERE update_id = $1`, updateID).Scan(&raw)
	if err != nil {
		metrics.TransportReadErrors.WithLabelValues("postgres").Inc()
		return
	}
	var payload postgresPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		metrics.TransportReadErrors.WithLabelValues("postgres").Inc()
		return
	}
	p.dispatch(KindUpdate, Event{Kind: KindUpdate, Update: payload.Update})
}

func (p *PostgresTransport) dispatch(kind EventKind, evt Event) {
	p.mu.RLock()
	listeners := append([]registration(nil), p.listeners[kind]...)
	p.mu.RUnlock()
	for _, reg := range listeners {
		reg.fn(evt)
	}
}

// On implements Transport.
func (p *PostgresTransport) On(kind EventKind, fn Listener) Unregister {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[kind] = append(append([]registration(nil), p.listeners[kind]...), registration{id: id, fn: fn})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		cur := p.listeners[kind]
		next := make([]registration, 0, len(cur))
		for _, reg := range cur {
			if reg.id != id {
				next = append(next, reg)
			}
		}
		p.listeners[kind] = next
	}
}

// Emit implements Transport for the non-durable lifecycle events.
func (p *PostgresTransport) Emit(ctx context.Context, evt Event) {
	p.dispatch(evt.Kind, evt)
}
