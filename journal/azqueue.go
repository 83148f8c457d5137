package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

// QueuePublisher appends changes to an Azure Storage queue, one message per
// change.
type QueuePublisher struct {
	queue *azqueue.QueueClient
}

func NewQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
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
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueuePublisher{queue: q}, nil
}

// Init creates the queue unless it already exists.
func (p *QueuePublisher) Init(ctx context.Context) error {
	if _, err := p.queue.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			return nil
		}
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

func (p *QueuePublisher) Publish(ctx context.Context, changes []domain.Change) error {
	for _, c := range changes {
		data, err := sonic.MarshalString(c)
		if err != nil {
			return err
		}
		if _, err := p.queue.EnqueueMessage(ctx, data, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *QueuePublisher) Close() error { return nil }
