package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
)

// countingStore counts board reads on top of the in-memory store.
type countingStore struct {
	*Memory
	boardReads int
}

func (c *countingStore) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	c.boardReads++
	return c.Memory.GetBoard(ctx, id)
}

// pausingStore holds GetBoard after the read until resume is closed.
type pausingStore struct {
	*Memory
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingStore) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	b, err := p.Memory.GetBoard(ctx, id)
	p.read <- struct{}{}
	<-p.resume
	return b, err
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheGetBoardMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	b, _ := base.InsertBoard(ctx, seedBoard("Sprint 1"))
	cache := NewCache(base, client, time.Minute)

	got, err := cache.GetBoard(ctx, b.ID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if got.Title != "Sprint 1" || len(got.Columns) != 3 {
		t.Fatalf("unexpected board: %+v", got)
	}
	if ttl := mr.TTL(boardCacheKey(b.ID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
	if _, err := cache.GetBoard(ctx, b.ID); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if base.boardReads != 1 {
		t.Fatalf("expected cached read to avoid backend, reads=%d", base.boardReads)
	}
}

func TestCacheEvictsOnColumnChanges(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	b, _ := base.InsertBoard(ctx, seedBoard("Sprint 1"))
	cache := NewCache(base, client, time.Minute)

	steps := []struct {
		name string
		run  func() error
	}{
		{"rename board", func() error { _, err := cache.RenameBoard(ctx, b.ID, "Sprint 2"); return err }},
		{"add column", func() error { _, _, err := cache.AddColumn(ctx, b.ID, "QA"); return err }},
		{"rename column", func() error { _, err := cache.RenameColumn(ctx, b.ID, b.Columns[0].ID, "Backlog"); return err }},
		{"remove column", func() error { _, err := cache.RemoveColumn(ctx, b.ID, b.Columns[1].ID); return err }},
	}
	for _, step := range steps {
		if _, err := cache.GetBoard(ctx, b.ID); err != nil {
			t.Fatalf("%s: warm cache: %v", step.name, err)
		}
		if !mr.Exists(boardCacheKey(b.ID)) {
			t.Fatalf("%s: expected board cached", step.name)
		}
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if mr.Exists(boardCacheKey(b.ID)) {
			t.Fatalf("%s: cache key should be evicted", step.name)
		}
	}

	final, _ := cache.GetBoard(ctx, b.ID)
	if final.Title != "Sprint 2" || len(final.Columns) != 3 || final.Columns[0].Name != "Backlog" {
		t.Fatalf("unexpected board after edits: %+v", final)
	}
}

func TestCacheDeleteBoardEvicts(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := NewMemory()
	b, _ := base.InsertBoard(ctx, seedBoard("x"))
	cache := NewCache(base, client, time.Minute)
	_, _ = cache.GetBoard(ctx, b.ID)
	if err := cache.DeleteBoard(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(boardCacheKey(b.ID)) {
		t.Fatal("expected eviction after delete")
	}
	if _, err := cache.GetBoard(ctx, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCacheNeverStoresTasks(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := NewMemory()
	b, _ := base.InsertBoard(ctx, seedBoard("x"))
	cache := NewCache(base, client, time.Minute)
	if _, err := cache.InsertTask(ctx, domain.Task{BoardID: b.ID, ColumnID: b.Columns[0].ID, Title: "t"}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if _, err := cache.ListTasks(ctx, b.ID); err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected no cached keys, got %v", keys)
	}
}

func TestCacheIgnoresCorruptEntries(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := NewMemory()
	b, _ := base.InsertBoard(ctx, seedBoard("x"))
	if err := mr.Set(boardCacheKey(b.ID), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cache := NewCache(base, client, time.Minute)
	got, err := cache.GetBoard(ctx, b.ID)
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected fallback to backend, got %+v %v", got, err)
	}
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	b, _ := base.InsertBoard(ctx, seedBoard("x"))
	cache := NewCache(base, nil, time.Minute)
	if _, err := cache.RenameBoard(ctx, b.ID, "y"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := cache.GetBoard(ctx, b.ID)
	if err != nil || got.Title != "y" {
		t.Fatalf("unexpected board: %+v %v", got, err)
	}
}

func TestCacheMissRacingEvictionDoesNotFillStaleBoard(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	mem := NewMemory()
	b, _ := mem.InsertBoard(ctx, seedBoard("Sprint 1"))
	done := b.Columns[2].ID
	base := &pausingStore{Memory: mem, read: make(chan struct{}, 1), resume: make(chan struct{})}
	cache := NewCache(base, client, time.Minute)

	stale := make(chan domain.Board, 1)
	go func() {
		got, _ := cache.GetBoard(ctx, b.ID)
		stale <- got
	}()
	<-base.read

	if _, err := cache.RemoveColumn(ctx, b.ID, done); err != nil {
		t.Fatalf("remove column: %v", err)
	}
	close(base.resume)
	if got := <-stale; len(got.Columns) != 3 {
		t.Fatalf("in-flight read should see the old board, got %+v", got.Columns)
	}
	if mr.Exists(boardCacheKey(b.ID)) {
		t.Fatal("stale board was written back to the cache")
	}

	fresh, err := cache.GetBoard(ctx, b.ID)
	if err != nil {
		t.Fatalf("get board: %v", err)
	}
	if fresh.HasColumn(done) || len(fresh.Columns) != 2 {
		t.Fatalf("board after column delete = %+v", fresh.Columns)
	}
	if !mr.Exists(boardCacheKey(b.ID)) {
		t.Fatal("expected the fresh board to be cached")
	}
}

func TestCacheGetBoardDirectSkipsCache(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &countingStore{Memory: NewMemory()}
	b, _ := base.InsertBoard(ctx, seedBoard("x"))
	cache := NewCache(base, client, time.Minute)
	if _, err := cache.GetBoard(ctx, b.ID); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if _, err := base.Memory.RemoveColumn(ctx, b.ID, b.Columns[0].ID); err != nil {
		t.Fatalf("remove column behind the cache: %v", err)
	}

	got, err := cache.GetBoardDirect(ctx, b.ID)
	if err != nil {
		t.Fatalf("direct read: %v", err)
	}
	if got.HasColumn(b.Columns[0].ID) || base.boardReads != 2 {
		t.Fatalf("direct read served cached board: %+v reads=%d", got.Columns, base.boardReads)
	}
	if !mr.Exists(boardCacheKey(b.ID)) {
		t.Fatal("direct read should leave the cache untouched")
	}
}
