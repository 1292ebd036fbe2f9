package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisBridge fans frames out across instances over a redis pub/sub channel.
type RedisBridge struct {
	rc      *redis.Client
	channel string
	log     log.FieldLogger

	readyOnce sync.Once
	ready     chan struct{}
}

// NewRedisBridge creates a bridge on the given channel.
func NewRedisBridge(rc *redis.Client, channel string, logger log.FieldLogger) *RedisBridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBridge{rc: rc, channel: channel, log: logger, ready: make(chan struct{})}
}

// Ready is closed once the first subscription is confirmed.
func (br *RedisBridge) Ready() <-chan struct{} { return br.ready }

func (br *RedisBridge) Publish(ctx context.Context, m bridgeMessage) error {
	data, err := sonic.Marshal(m)
	if err != nil {
		return err
	}
	return br.rc.Publish(ctx, br.channel, data).Err()
}

// Run subscribes and hands every message to deliver, resubscribing when the
// connection drops.
func (br *RedisBridge) Run(ctx context.Context, deliver func(bridgeMessage)) {
	for {
		sub := br.rc.Subscribe(ctx, br.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			br.log.WithError(err).Error("realtime bridge subscribe failed, retrying")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		br.readyOnce.Do(func() { close(br.ready) })
		br.consume(ctx, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		br.log.Error("realtime bridge channel closed, reconnecting")
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func (br *RedisBridge) consume(ctx context.Context, ch <-chan *redis.Message, deliver func(bridgeMessage)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m bridgeMessage
			if err := sonic.UnmarshalString(msg.Payload, &m); err != nil {
				br.log.WithError(err).Error("unable to parse bridge message")
				continue
			}
			if m.BoardID == "" || m.Event == "" {
				br.log.Warn("bridge message without board or event, ignoring it")
				continue
			}
			deliver(m)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
