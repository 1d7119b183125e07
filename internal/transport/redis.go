package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/mercurehub/hub/internal/logging"
	"github.com/mercurehub/hub/internal/metrics"
	"github.com/mercurehub/hub/internal/update"
)

// RedisTransport backs the hub with a Redis stream, so every hub instance
// behind a load balancer shares one ordered, durable log. Each published
// Update is XADD-ed to streamKey; a background reader blocks on new entries
// with XREAD and fans them out to local listeners, giving every instance the
// same event stream a single in-process MemoryTransport would give one.
type RedisTransport struct {
	rdb       *redis.Client
	streamKey string
	idsKey    string // hash: our update id -> redis stream entry id
	maxLen    int64

	mu        sync.RWMutex
	listeners map[EventKind][]registration
	nextID    int

	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// RedisOptions configures a RedisTransport.
type RedisOptions struct {
	// StreamKey names the Redis stream backing the durable log. Defaults to
	// "mercure:updates".
	StreamKey string
	// MaxLen caps the stream length Redis retains, trimmed approximately on
	// each XADD. 0 means unbounded.
	MaxLen int64
}

// NewRedisTransport builds a RedisTransport over an already-configured
// go-redis client. The caller owns connecting and closing rdb's underlying
// pool except where Connect/Close below say otherwise.
func NewRedisTransport(rdb *redis.Client, opts RedisOptions) *RedisTransport {
	streamKey := opts.StreamKey
	if streamKey == "" {
		streamKey = "mercure:updates"
	}
	return &RedisTransport{
		rdb:       rdb,
		streamKey: streamKey,
		idsKey:    streamKey + ":ids",
		maxLen:    opts.MaxLen,
		listeners: make(map[EventKind][]registration),
	}
}

// Protocol implements Transport.
func (r *RedisTransport) Protocol() string { return "redis" }

// Connect implements Transport: it pings Redis, then starts the background
// stream reader that fans XREAD-delivered entries out to local listeners.
func (r *RedisTransport) Connect(ctx context.Context) error {
	if r.cancel != nil {
		return nil // already connected
	}
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis transport: ping: %w", err)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Go(func() { r.readLoop(readCtx) })
	return nil
}

// Close implements Transport: it stops the background reader and waits for
// it to exit, then closes the Redis client.
func (r *RedisTransport) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return r.rdb.Close()
}

type redisEntry struct {
	Update *update.Update `json:"update"`
}

// Publish implements Transport by XADD-ing the marshaled Update and recording
// the resulting stream entry id so EventsAfter can resume from it later.
func (r *RedisTransport) Publish(ctx context.Context, u *update.Update) error {
	payload, err := json.Marshal(redisEntry{Update: u})
	if err != nil {
		return fmt.Errorf("redis transport: marshal update: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.streamKey,
		Values: map[string]any{"payload": payload},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	streamID, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("redis transport: xadd: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.idsKey, u.ID, streamID).Err(); err != nil {
		return fmt.Errorf("redis transport: record stream id: %w", err)
	}
	return nil
}

// EventsAfter implements Transport by resolving id to its Redis stream entry
// id via the idsKey hash, then ranging the stream exclusively from there.
func (r *RedisTransport) EventsAfter(ctx context.Context, id string) ([]*update.Update, error) {
	start := "-"
	if id != EarliestID {
		streamID, err := r.rdb.HGet(ctx, r.idsKey, id).Result()
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("redis transport: resolve cursor: %w", err)
		}
		start = "(" + streamID
	}

	msgs, err := r.rdb.XRange(ctx, r.streamKey, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("redis transport: xrange: %w", err)
	}
	out := make([]*update.Update, 0, len(msgs))
	for _, msg := range msgs {
		u, err := decodeRedisMessage(msg)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func decodeRedisMessage(msg redis.XMessage) (*update.Update, error) {
	raw, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, fmt.Errorf("redis transport: missing payload field")
	}
	var entry redisEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("redis transport: unmarshal payload: %w", err)
	}
	return entry.Update, nil
}

// readLoop blocks on new stream entries past "$" (the end of the stream at
// start time) and dispatches each to local KindUpdate listeners. It runs for
// the lifetime of the transport, reconnecting with exponential backoff on any
// Redis error other than context cancellation.
func (r *RedisTransport) readLoop(ctx context.Context) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			streams, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.streamKey, lastID},
				Block:   5 * time.Second,
				Count:   100,
			}).Result()
			if err == redis.Nil {
				return struct{}{}, nil // block timeout, no new entries
			}
			if err != nil {
				metrics.TransportReadErrors.WithLabelValues("redis").Inc()
				logging.Warn("redis transport: stream read failed", "error", err)
				return struct{}{}, err
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					u, decErr := decodeRedisMessage(msg)
					if decErr != nil {
						metrics.TransportReadErrors.WithLabelValues("redis").Inc()
						continue
					}
					r.dispatch(KindUpdate, Event{Kind: KindUpdate, Update: u})
				}
			}
			return struct{}{}, nil
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(0))
		// Retry also gives up once its default elapsed-time budget is spent;
		// the loop then starts a fresh Retry, so only ctx ends the reader.
		if err != nil && ctx.Err() != nil {
			return
		}
	}
}

func (r *RedisTransport) dispatch(kind EventKind, evt Event) {
	r.mu.RLock()
	listeners := append([]registration(nil), r.listeners[kind]...)
	r.mu.RUnlock()
	for _, reg := range listeners {
		reg.fn(evt)
	}
}

// On implements Transport.
func (r *RedisTransport) On(kind EventKind, fn Listener) Unregister {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[kind] = append(append([]registration(nil), r.listeners[kind]...), registration{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur := r.listeners[kind]
		next := make([]registration, 0, len(cur))
		for _, reg := range cur {
			if reg.id != id {
				next = append(next, reg)
			}
		}
		r.listeners[kind] = next
	}
}

// Emit implements Transport for the non-durable lifecycle events; these stay
// local to the instance that observed them rather than round-tripping Redis.
func (r *RedisTransport) Emit(ctx context.Context, evt Event) {
	r.dispatch(evt.Kind, evt)
}
