package cleanup

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type queueReceiver interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Janitor drains the cleanup queue and deletes the referenced files.
type Janitor struct {
	queue   queueReceiver
	remover Sink
	log     *log.Logger
	idle    time.Duration
}

// NewJanitor creates a consumer. idle is the pause after an empty or failed receive.
func NewJanitor(queue queueReceiver, remover Sink, logger *log.Logger, idle time.Duration) *Janitor {
	if idle <= 0 {
		idle = time.Second
	}
	return &Janitor{queue: queue, remover: remover, log: logger, idle: idle}
}

// Run consumes messages until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		handled, err := j.Step(ctx)
		if err != nil {
			j.log.Errorf("receive: %v", err)
		}
		if !handled && !j.sleep(ctx) {
			return
		}
	}
}

// Step processes at most one message and reports whether one was handled.
// The message is deleted whatever the outcome; cleanup is not retried.
func (j *Janitor) Step(ctx context.Context) (bool, error) {
	resp, err := j.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return false, err
	}
	if len(resp.Messages) == 0 {
		return false, nil
	}
	msg := resp.Messages[0]
	if msg.MessageText != nil {
		var m Message
		if err := sonic.UnmarshalString(*msg.MessageText, &m); err != nil {
			j.log.Errorf("unable to parse cleanup message: %v", err)
		} else if err := j.remover.Remove(ctx, m.Files); err != nil {
			j.log.Errorf("file cleanup failed, err: %v, count: %d", err, len(m.Files))
		}
	}
	if msg.MessageID != nil && msg.PopReceipt != nil {
		if _, err := j.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
			j.log.Errorf("delete message %s: %v", *msg.MessageID, err)
		}
	}
	return true, nil
}

func (j *Janitor) sleep(ctx context.Context) bool {
	t := time.NewTimer(j.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
