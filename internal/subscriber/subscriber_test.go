package subscriber

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mercurehub/hub/internal/update"
)

func TestEventStreamDeliversQueuedUpdate(t *testing.T) {
	es := New("sub1", nil, nil).WithHeartbeat(0)
	sub := es.Subscription([]string{"*"}, func(error) {})
	sub.Deliver(&update.Update{ID: "1", Data: "hi"})

	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- es.Run(ctx, rec) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := rec.Body.String(); got != "id: 1\ndata: hi\n\n" {
		t.Fatalf("body = %q", got)
	}
}

func TestEventStreamSkipsPrivateUpdateWithoutAccess(t *testing.T) {
	canAccess := func(*update.Update) bool { return false }
	es := New("sub1", nil, canAccess).WithHeartbeat(0)
	sub := es.Subscription([]string{"*"}, func(error) {})
	sub.Deliver(&update.Update{ID: "1", Private: true})

	if es.Pending() != 0 {
		t.Fatalf("expected the private update to be filtered, queue depth = %d", es.Pending())
	}
}

func TestEventStreamDeliversPrivateUpdateWithAccess(t *testing.T) {
	canAccess := func(*update.Update) bool { return true }
	es := New("sub1", nil, canAccess).WithHeartbeat(0)
	sub := es.Subscription([]string{"*"}, func(error) {})
	sub.Deliver(&update.Update{ID: "1", Private: true})

	if es.Pending() != 1 {
		t.Fatalf("expected the private update to be queued, queue depth = %d", es.Pending())
	}
}

func TestEventStreamDisconnectsOnQueueOverflow(t *testing.T) {
	es := New("sub1", nil, nil)
	es.queue = make(chan *update.Update, 1)

	var disconnectErr error
	sub := es.Subscription([]string{"*"}, func(err error) { disconnectErr = err })

	sub.Deliver(&update.Update{ID: "1"})
	sub.Deliver(&update.Update{ID: "2"})

	if disconnectErr != ErrQueueOverflow {
		t.Fatalf("expected ErrQueueOverflow, got %v", disconnectErr)
	}
}

func TestReplayDedupesAgainstLiveQueue(t *testing.T) {
	es := New("sub1", nil, nil).WithHeartbeat(0)
	sub := es.Subscription([]string{"*"}, func(error) {})

	u := &update.Update{ID: "1", Data: "hi"}
	sub.Deliver(u) // arrives on the live queue during the "replay scan"

	rec := httptest.NewRecorder()
	if err := es.Replay(rec, []*update.Update{u}); err != nil {
		t.Fatal(err)
	}
	if got := rec.Body.String(); got != "id: 1\ndata: hi\n\n" {
		t.Fatalf("replay body = %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- es.Run(ctx, rec) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := rec.Body.String(); got != "id: 1\ndata: hi\n\n" {
		t.Fatalf("expected no duplicate delivery after replay, body = %q", got)
	}
}

func TestEventStreamWritesHeartbeat(t *testing.T) {
	es := New("sub1", nil, nil).WithHeartbeat(10 * time.Millisecond)
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- es.Run(ctx, rec) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	<-done

	if got := rec.Body.String(); got == "" {
		t.Fatal("expected at least one heartbeat to be written")
	}
}
