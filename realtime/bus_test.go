package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
)

func nextFrame(t *testing.T, s *Session) Frame {
	t.Helper()
	select {
	case f := <-s.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s received nothing", s.ID)
	}
	return Frame{}
}

func expectNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.Frames():
		t.Fatalf("session %s received unexpected frame %+v", s.ID, f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusPublishLocal(t *testing.T) {
	r := NewRegistry(4, nil)
	bus := NewBus(r, nil, nil)
	a := mustConnect(t, r, "a")
	b := mustConnect(t, r, "b")
	c := mustConnect(t, r, "c")
	_ = r.Join("a", "b1")
	_ = r.Join("b", "b1")
	_ = r.Join("c", "b2")

	task := domain.Task{ID: "t1", BoardID: "b1", ColumnID: "c1", Title: "x"}
	if err := bus.Publish(context.Background(), domain.NewTaskEvent(task), "a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	f := nextFrame(t, b)
	ev, err := DecodeFrame(f.Event, f.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != domain.EventNewTask || ev.Task.ID != "t1" || ev.BoardID != "b1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	expectNoFrame(t, a)
	expectNoFrame(t, c)
}

func TestBusRelayRequiresJoin(t *testing.T) {
	r := NewRegistry(4, nil)
	bus := NewBus(r, nil, nil)
	mustConnect(t, r, "a")
	b := mustConnect(t, r, "b")
	_ = r.Join("b", "b1")

	ev := domain.TaskDeletedEvent("b1", "t1")
	if err := bus.Relay(context.Background(), "a", ev); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
	expectNoFrame(t, b)

	_ = r.Join("a", "b1")
	if err := bus.Relay(context.Background(), "a", ev); err != nil {
		t.Fatalf("relay: %v", err)
	}
	f := nextFrame(t, b)
	if f.Event != "task-deleted" || string(f.Data) != `{"boardId":"b1","data":"t1"}` {
		t.Fatalf("unexpected frame %s %s", f.Event, f.Data)
	}
}

func startBridgedBus(t *testing.T, ctx context.Context, rc *redis.Client, r *Registry) *Bus {
	t.Helper()
	br := NewRedisBridge(rc, "kanban-test", nil)
	bus := NewBus(r, br, nil)
	go bus.Run(ctx)
	select {
	case <-br.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not subscribe")
	}
	return bus
}

func TestBusBridgeDeliversAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1, r2 := NewRegistry(4, nil), NewRegistry(4, nil)
	bus1 := startBridgedBus(t, ctx, rc, r1)
	startBridgedBus(t, ctx, rc, r2)

	sender := mustConnect(t, r1, "sender")
	local := mustConnect(t, r1, "local")
	remote := mustConnect(t, r2, "remote")
	for _, reg := range []struct {
		r  *Registry
		id string
	}{{r1, "sender"}, {r1, "local"}, {r2, "remote"}} {
		_ = reg.r.Join(reg.id, "b1")
	}

	col := domain.Column{ID: "c9", Name: "QA"}
	if err := bus1.Publish(ctx, domain.ColumnUpdatedEvent("b1", col), "sender"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, s := range []*Session{local, remote} {
		f := nextFrame(t, s)
		if f.Event != "column-updated" || string(f.Data) != `{"boardId":"b1","data":{"_id":"c9","name":"QA"}}` {
			t.Fatalf("%s got %s %s", s.ID, f.Event, f.Data)
		}
	}
	expectNoFrame(t, sender)
	// The echo of its own message on the channel is dropped.
	expectNoFrame(t, local)
	expectNoFrame(t, remote)
}

func TestBusDeliversLocallyBeforeBridgeSubscribes(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	r := NewRegistry(4, nil)
	br := NewRedisBridge(rc, "kanban-test", nil)
	bus := NewBus(r, br, nil)
	s := mustConnect(t, r, "a")
	_ = r.Join("a", "b1")

	// Run has not been started, so nothing is subscribed to the channel.
	if err := bus.Publish(context.Background(), domain.TaskDeletedEvent("b1", "t1"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f := nextFrame(t, s); f.Event != "task-deleted" {
		t.Fatalf("unexpected frame %+v", f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)
	<-br.Ready()
	if err := bus.Publish(ctx, domain.TaskDeletedEvent("b1", "t2"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f := nextFrame(t, s); string(f.Data) != `{"boardId":"b1","data":"t2"}` {
		t.Fatalf("unexpected frame %s", f.Data)
	}
	expectNoFrame(t, s)
}

func TestBusDeliversLocallyWhenRedisFails(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	mr.Close()

	r := NewRegistry(4, nil)
	bus := NewBus(r, NewRedisBridge(rc, "kanban-test", nil), nil)
	s := mustConnect(t, r, "a")
	_ = r.Join("a", "b1")
	if err := bus.Publish(context.Background(), domain.ColumnDeletedEvent("b1", "c1"), ""); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if f := nextFrame(t, s); f.Event != "column-deleted" {
		t.Fatalf("unexpected frame %+v", f)
	}
}
