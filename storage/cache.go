package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"kanban-api/domain"
)

type backend interface {
	ListBoards(ctx context.Context) ([]domain.Board, error)
	GetBoard(ctx context.Context, id string) (domain.Board, error)
	InsertBoard(ctx context.Context, b domain.Board) (domain.Board, error)
	RenameBoard(ctx context.Context, id, title string) (domain.Board, error)
	DeleteBoard(ctx context.Context, id string) error
	AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error)
	RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error)
	RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error)
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	InsertTask(ctx context.Context, t domain.Task) (domain.Task, error)
	ReplaceTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
	DeleteTasksByColumn(ctx context.Context, boardID, columnID string) ([]domain.Task, error)
	DeleteTasksByBoard(ctx context.Context, boardID string) ([]domain.Task, error)
}

// Cache wraps a store with Redis-backed caching of board documents. Tasks and
// progress are never cached; every task call goes straight to the base store.
type Cache struct {
	backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{backend: base, redis: client, ttl: ttl}
}

func (c *Cache) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	if b, ok := c.loadBoard(ctx, id); ok {
		return b, nil
	}
	// The version is read before the backend so an eviction racing this miss
	// is seen by storeBoard.
	ver, verOK := c.boardVersion(ctx, id)
	b, err := c.backend.GetBoard(ctx, id)
	if err != nil {
		return domain.Board{}, err
	}
	if verOK {
		c.storeBoard(ctx, b, ver)
	}
	return b, nil
}

// GetBoardDirect reads the board from the base store without touching the cache.
func (c *Cache) GetBoardDirect(ctx context.Context, id string) (domain.Board, error) {
	return c.backend.GetBoard(ctx, id)
}

func (c *Cache) RenameBoard(ctx context.Context, id, title string) (domain.Board, error) {
	b, err := c.backend.RenameBoard(ctx, id, title)
	c.evict(ctx, id)
	return b, err
}

func (c *Cache) DeleteBoard(ctx context.Context, id string) error {
	err := c.backend.DeleteBoard(ctx, id)
	c.evict(ctx, id)
	return err
}

func (c *Cache) AddColumn(ctx context.Context, boardID, name string) (domain.Board, domain.Column, error) {
	b, col, err := c.backend.AddColumn(ctx, boardID, name)
	c.evict(ctx, boardID)
	return b, col, err
}

func (c *Cache) RenameColumn(ctx context.Context, boardID, columnID, name string) (domain.Board, error) {
	b, err := c.backend.RenameColumn(ctx, boardID, columnID, name)
	c.evict(ctx, boardID)
	return b, err
}

func (c *Cache) RemoveColumn(ctx context.Context, boardID, columnID string) (domain.Board, error) {
	b, err := c.backend.RemoveColumn(ctx, boardID, columnID)
	c.evict(ctx, boardID)
	return b, err
}

func (c *Cache) loadBoard(ctx context.Context, id string) (domain.Board, bool) {
	if c.redis == nil {
		return domain.Board{}, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(id)).Err()
		}
		return domain.Board{}, false
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(id)).Err()
		return domain.Board{}, false
	}
	if b.Columns == nil {
		b.Columns = []domain.Column{}
	}
	return b, true
}

func (c *Cache) boardVersion(ctx context.Context, id string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, boardVersionKey(id)).Int64()
	if err != nil && err != redis.Nil {
		return 0, false
	}
	return v, true
}

// storeBoard fills the cache only while the board version still equals ver.
func (c *Cache) storeBoard(ctx context.Context, b domain.Board, ver int64) {
	data, err := sonic.Marshal(b)
	if err != nil {
		return
	}
	verKey := boardVersionKey(b.ID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != ver {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, boardCacheKey(b.ID), data, c.ttl)
			return nil
		})
		return err
	}, verKey)
}

// evict also runs when the base call failed. Bumping the version aborts any
// fill started before the write.
func (c *Cache) evict(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	verKey := boardVersionKey(id)
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, verKey)
		p.Expire(ctx, verKey, c.ttl+time.Minute)
		p.Del(ctx, boardCacheKey(id))
		return nil
	})
}

func boardCacheKey(id string) string {
	return "board:" + id
}

func boardVersionKey(id string) string {
	return "boardver:" + id
}
