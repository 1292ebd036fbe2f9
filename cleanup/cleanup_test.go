package cleanup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/blob"
)

type fakeBlobs struct {
	mu      sync.Mutex
	files   map[string]bool
	deleted []string
	fail    map[string]error
}

func newFakeBlobs(names ...string) *fakeBlobs {
	f := &fakeBlobs{files: map[string]bool{}, fail: map[string]error{}}
	for _, n := range names {
		f.files[n] = true
	}
	return f
}

func (f *fakeBlobs) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[name]; err != nil {
		return err
	}
	if !f.files[name] {
		return blob.ErrNotFound
	}
	delete(f.files, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeBlobs) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.deleted...)
	sort.Strings(out)
	return out
}

func TestBlobRemoverToleratesMissingFiles(t *testing.T) {
	logger, _ := test.NewNullLogger()
	blobs := newFakeBlobs("a.png")
	blobs.fail["b.png"] = errors.New("disk on fire")
	r := NewBlobRemover(blobs, logger)

	err := r.Remove(context.Background(), []string{"missing.png", "b.png", "a.png"})
	if err == nil || err.Error() != "disk on fire" {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if got := blobs.deletedNames(); len(got) != 1 || got[0] != "a.png" {
		t.Fatalf("expected a.png deleted after failure on b.png, got %v", got)
	}
}

func TestPoolRunsScheduledCleanup(t *testing.T) {
	logger, _ := test.NewNullLogger()
	blobs := newFakeBlobs("a.png", "b.webm")
	p := NewPool(NewBlobRemover(blobs, logger), PoolConfig{Workers: 2, Buffer: 4}, logger)
	if !p.Schedule([]string{"a.png"}) || !p.Schedule([]string{"b.webm"}) {
		t.Fatal("schedule rejected")
	}
	p.Close()
	if got := blobs.deletedNames(); len(got) != 2 {
		t.Fatalf("expected both files deleted, got %v", got)
	}
}

type blockingSink struct {
	release chan struct{}
	calls   chan []string
}

func (b *blockingSink) Remove(ctx context.Context, files []string) error {
	b.calls <- files
	<-b.release
	return nil
}

func TestPoolDropsWhenBufferStaysFull(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &blockingSink{release: make(chan struct{}), calls: make(chan []string, 4)}
	p := NewPool(sink, PoolConfig{Workers: 1, Buffer: 1, Handoff: 10 * time.Millisecond}, logger)

	p.Schedule([]string{"busy"})
	<-sink.calls
	if !p.Schedule([]string{"queued"}) {
		t.Fatal("expected buffered schedule to succeed")
	}
	if p.Schedule([]string{"dropped"}) {
		t.Fatal("expected schedule to fail when buffer stays full")
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Level != log.WarnLevel {
		t.Fatalf("expected warning for dropped batch, got %+v", entry)
	}
	close(sink.release)
	p.Close()
	if p.Schedule([]string{"late"}) {
		t.Fatal("expected closed pool to reject work")
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []string
	deleted  []string
	failSend error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return azqueue.EnqueueMessagesResponse{}, f.failSend
	}
	f.messages = append(f.messages, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	text := f.messages[0]
	f.messages = f.messages[1:]
	id := "m" + text[:1]
	receipt := "r"
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{{MessageID: &id, PopReceipt: &receipt, MessageText: &text}}}, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return azqueue.DeleteMessageResponse{}, nil
}

func TestQueueEnqueuesBatch(t *testing.T) {
	fq := &fakeQueue{}
	q := &Queue{client: fq, now: func() time.Time { return time.UnixMilli(42) }}
	if err := q.Remove(context.Background(), []string{"a.png", "b.webm"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(fq.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(fq.messages))
	}
	var m Message
	if err := sonic.UnmarshalString(fq.messages[0], &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(m.Files) != 2 || m.RequestedAt != 42 {
		t.Fatalf("unexpected message: %+v", m)
	}
}

func TestJanitorDeletesFilesAndMessages(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fq := &fakeQueue{}
	q := &Queue{client: fq, now: time.Now}
	_ = q.Remove(context.Background(), []string{"a.png"})
	fq.messages = append(fq.messages, "not json")

	blobs := newFakeBlobs("a.png")
	j := NewJanitor(fq, NewBlobRemover(blobs, logger), logger, time.Millisecond)

	for i := 0; i < 2; i++ {
		handled, err := j.Step(context.Background())
		if err != nil || !handled {
			t.Fatalf("step %d: handled=%v err=%v", i, handled, err)
		}
	}
	if handled, _ := j.Step(context.Background()); handled {
		t.Fatal("expected empty queue")
	}
	if got := blobs.deletedNames(); len(got) != 1 || got[0] != "a.png" {
		t.Fatalf("unexpected deletions: %v", got)
	}
	if len(fq.deleted) != 2 {
		t.Fatalf("expected both messages deleted, got %v", fq.deleted)
	}
}

func TestJanitorRunStopsOnCancel(t *testing.T) {
	logger, _ := test.NewNullLogger()
	j := NewJanitor(&fakeQueue{}, NewBlobRemover(newFakeBlobs(), logger), logger, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
