package realtime

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"kanban-api/domain"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOpenQueuesSessionFrameFirst(t *testing.T) {
	tokens, _ := NewTokens("secret", time.Hour)
	r := NewRegistry(4, nil)
	s, info, err := r.Open(tokens)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f := <-s.Frames()
	if f.Event != SessionEvent {
		t.Fatalf("expected session frame first, got %s", f.Event)
	}
	got, err := DecodeSession(f.Data)
	if err != nil || got != info {
		t.Fatalf("unexpected session info %+v %v", got, err)
	}
	id, err := tokens.SessionID(info.Token)
	if err != nil || id != s.ID {
		t.Fatalf("token does not resolve to session: %q %v", id, err)
	}
}

func TestServeWritesFramesAndHeartbeats(t *testing.T) {
	r := NewRegistry(4, nil)
	s := mustConnect(t, r, "a")
	_ = r.Join("a", "b1")
	f, err := EventFrame(domain.TaskDeletedEvent("b1", "t1"))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	r.Deliver("b1", f, "")

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, &out, func() {}, s, 20*time.Millisecond) }()
	time.Sleep(70 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	body := out.String()
	if !strings.HasPrefix(body, "event: task-deleted\ndata: {\"boardId\":\"b1\",\"data\":\"t1\"}\n\n") {
		t.Fatalf("unexpected stream start %q", body)
	}
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat in %q", body)
	}
}

func TestServeEndsWhenSessionLeaves(t *testing.T) {
	r := NewRegistry(4, nil)
	s := mustConnect(t, r, "a")
	done := make(chan error, 1)
	go func() { done <- Serve(context.Background(), &syncBuffer{}, func() {}, s, time.Hour) }()
	r.Leave("a")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return after leave")
	}
}

func TestTokensRejectForeignAndExpired(t *testing.T) {
	a, _ := NewTokens("", time.Hour)
	b, _ := NewTokens("", time.Hour)
	tok, err := a.Issue("s1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.SessionID(tok); err == nil {
		t.Fatal("random secrets must differ between instances")
	}
	if _, err := a.SessionID(""); err == nil {
		t.Fatal("expected error for empty token")
	}

	a.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := a.Issue("s1")
	a.now = time.Now
	if _, err := a.SessionID(old); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestDecodeFrameRejectsMissingBoard(t *testing.T) {
	if _, err := DecodeFrame("task-deleted", []byte(`{"data":"t1"}`)); err == nil {
		t.Fatal("expected error for frame without boardId")
	}
}
