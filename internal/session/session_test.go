package session

import (
	"errors"
	"testing"
	"time"

	"github.com/tanagram/mcpbridge/internal/jsonrpc"
)

type fakeSink struct {
	received []jsonrpc.Message
	failNext bool
}

func (f *fakeSink) Send(msg jsonrpc.Message) error {
	if f.failNext {
		f.failNext = false
		return errors.New("boom")
	}
	f.received = append(f.received, msg)
	return nil
}

func createBound(t *testing.T, r *Registry, handleID, serverName string) *Session {
	t.Helper()
	sess, err := r.Create(serverName)
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	r.BindHandle(sess, handleID)
	return sess
}

func TestEnqueueWithoutSinkQueues(t *testing.T) {
	r := New(nil, time.Hour, 10)
	sess := createBound(t, r, "h1", "echo")

	msg := jsonrpc.Message{JSONRPC: "2.0", Method: "notifications/progress"}
	if err := sess.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if sess.queueLen() != 1 {
		t.Fatalf("expected 1 queued message, got %d", sess.queueLen())
	}
}

func TestAttachDrainsQueueBeforeNewMessages(t *testing.T) {
	r := New(nil, time.Hour, 10)
	sess := createBound(t, r, "h1", "echo")

	queued := jsonrpc.Message{JSONRPC: "2.0", Method: "queued"}
	sess.Enqueue(queued)

	sink := &fakeSink{}
	if err := sess.Attach("sink1", sink); err != nil {
		t.Fatalf("Attach returned error: %v", err)
	}

	live := jsonrpc.Message{JSONRPC: "2.0", Method: "live"}
	sess.Enqueue(live)

	if len(sink.received) != 2 {
		t.Fatalf("expected 2 messages delivered, got %d", len(sink.received))
	}
	if sink.received[0].Method != "queued" || sink.received[1].Method != "live" {
		t.Errorf("expected queued message before live message, got %+v", sink.received)
	}
	if sess.queueLen() != 0 {
		t.Errorf("expected queue drained, got %d remaining", sess.queueLen())
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	r := New(nil, time.Hour, 10)
	sess := createBound(t, r, "h1", "echo")
	sess.Detach("never-attached")
	sess.Detach("never-attached")
}

func TestCreateEnforcesMaxSessions(t *testing.T) {
	r := New(nil, time.Hour, 1)
	createBound(t, r, "h1", "echo")
	if _, err := r.Create("echo"); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
}

func TestGetEvictsExpiredSession(t *testing.T) {
	r := New(nil, time.Millisecond, 10)
	sess := createBound(t, r, "h1", "echo")
	time.Sleep(5 * time.Millisecond)

	if _, ok := r.Get(sess.ID); ok {
		t.Fatalf("expected expired session to be evicted")
	}
	if _, ok := r.GetByHandle("h1"); ok {
		t.Fatalf("expected handle index to be cleared on eviction")
	}
}

func TestDestroyIsIdempotentAndEmitsEvent(t *testing.T) {
	r := New(nil, time.Hour, 10)
	sess := createBound(t, r, "h1", "echo")

	r.Destroy(sess.ID)
	r.Destroy(sess.ID) // must not panic or double-emit incorrectly

	select {
	case ev := <-r.Events():
		if ev.SessionID != sess.ID || ev.HandleID != "h1" {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatalf("expected a session:destroyed event")
	}

	select {
	case ev := <-r.Events():
		t.Fatalf("expected only one destroyed event, got extra %+v", ev)
	default:
	}
}

func TestMarkInitializedIsOneWay(t *testing.T) {
	r := New(nil, time.Hour, 10)
	sess := createBound(t, r, "h1", "echo")
	if sess.Initialized() {
		t.Fatalf("expected not initialized by default")
	}
	sess.MarkInitialized()
	if !sess.Initialized() {
		t.Fatalf("expected initialized after MarkInitialized")
	}
}
