package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// IdempotencyHeader lets a client retry a create without creating a second record.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxIdempotencyKey = 200
	pendingMarker     = "pending"
)

var errKeyInFlight = errors.New("a request with this Idempotency-Key is still in progress")

// Deduper remembers the response of a create per idempotency key.
type Deduper interface {
	// Reserve claims key. When the key already completed, stored holds the
	// recorded response body.
	Reserve(ctx context.Context, scope, key string) (stored []byte, fresh bool, err error)
	Complete(ctx context.Context, scope, key string, body []byte) error
	Remove(ctx context.Context, scope, key string) error
}

// RedisDeduper stores idempotency keys in Redis so all instances replay the
// same response for a retried create.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(scope, key string) string {
	return fmt.Sprintf("idem:%s:%s", scope, key)
}

func (r *RedisDeduper) Reserve(ctx context.Context, scope, key string) ([]byte, bool, error) {
	added, err := r.client.SetNX(ctx, r.key(scope, key), pendingMarker, r.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if added {
		return nil, true, nil
	}
	stored, err := r.client.Get(ctx, r.key(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between the two calls; claim it again.
		return r.Reserve(ctx, scope, key)
	}
	if err != nil {
		return nil, false, err
	}
	if string(stored) == pendingMarker {
		return nil, false, errKeyInFlight
	}
	return stored, false, nil
}

// Complete records the response body for a reserved key.
func (r *RedisDeduper) Complete(ctx context.Context, scope, key string, body []byte) error {
	return r.client.Set(ctx, r.key(scope, key), body, r.ttl).Err()
}

// Remove deletes a reserved key. It is used when the create fails so the
// caller may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, scope, key string) error {
	return r.client.Del(ctx, r.key(scope, key)).Err()
}

// idempotent runs create once per Idempotency-Key and answers 201 with the
// created record. A repeated key gets the recorded body back without running
// create again. Without a key or a deduper create always runs.
func (s *server) idempotent(c echo.Context, m *mutationMetrics, scope string, create func(ctx context.Context) (any, error)) error {
	ctx := c.Request().Context()
	key := c.Request().Header.Get(IdempotencyHeader)
	if key == "" || s.dedupe == nil {
		v, err := create(ctx)
		if err != nil {
			return err
		}
		return encode(c, m, http.StatusCreated, v)
	}
	if len(key) > maxIdempotencyKey {
		return echo.NewHTTPError(http.StatusBadRequest, IdempotencyHeader+" is too long")
	}

	stored, fresh, err := s.dedupe.Reserve(ctx, scope, key)
	switch {
	case errors.Is(err, errKeyInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		s.log.WithError(err).WithField("scope", scope).Warn("idempotency store unavailable, running create without it")
		v, err := create(ctx)
		if err != nil {
			return err
		}
		return encode(c, m, http.StatusCreated, v)
	case !fresh:
		s.log.WithField("scope", scope).Debug("replaying idempotent create")
		return s.writeStored(c, m, stored)
	}

	v, err := create(ctx)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := s.dedupe.Remove(bg, scope, key); rerr != nil {
			s.log.WithError(rerr).WithField("scope", scope).Warn("unable to release idempotency key")
		}
		return err
	}
	body, err := sonic.Marshal(v)
	if err != nil {
		m.SetErrorStage("encode_response")
		return err
	}
	if err := s.dedupe.Complete(bg, scope, key, body); err != nil {
		s.log.WithError(err).WithField("scope", scope).Warn("unable to record idempotent response")
	}
	return s.writeStored(c, m, body)
}

func (s *server) writeStored(c echo.Context, m *mutationMetrics, body []byte) error {
	start := time.Now()
	err := c.JSONBlob(http.StatusCreated, body)
	m.ObserveEncode(time.Since(start))
	if err != nil {
		m.SetErrorStage("encode_response")
	}
	return err
}
