package cleanup

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// Message is one cleanup request on the queue.
type Message struct {
	Files       []string `json:"files"`
	RequestedAt int64    `json:"requestedAt"`
}

type queueSender interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Queue hands cleanup to a separate janitor process through Azure Queue Storage.
type Queue struct {
	client queueSender
	now    func() time.Time
}

// NewQueueClient builds a queue client with the service's retry policy.
func NewQueueClient(connStr, queueName string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
}

// NewQueue creates a producer for the named queue.
func NewQueue(connStr, queueName string) (*Queue, error) {
	client, err := NewQueueClient(connStr, queueName)
	if err != nil {
		return nil, err
	}
	return &Queue{client: client, now: time.Now}, nil
}

// Remove enqueues one message for the whole batch.
func (q *Queue) Remove(ctx context.Context, files []string) error {
	data, err := sonic.MarshalString(Message{Files: files, RequestedAt: q.now().UnixMilli()})
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, data, nil)
	return err
}
