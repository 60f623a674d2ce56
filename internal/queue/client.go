package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
)

const (
	convertMaxRetry = 3
	convertTimeout  = 5 * time.Minute
)

// ErrAlreadyQueued is returned when the same conversion pass was enqueued
// before and is still tracked by the broker.
var ErrAlreadyQueued = errors.New("conversion already queued")

// Client enqueues conversion batches onto a single asynq queue.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) QueueName() string {
	return c.queue
}

// EnqueueConvert submits one conversion pass. The first pass of a job and
// each retry pass get distinct task ids, so a double submit of the same pass
// is rejected with ErrAlreadyQueued.
func (c *Client) EnqueueConvert(ctx context.Context, payload ConvertPayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(TaskID(payload)),
		asynq.MaxRetry(convertMaxRetry),
		asynq.Timeout(convertTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, ErrAlreadyQueued)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// TaskID names a conversion pass: the job id for the first pass, plus the
// request time for retries.
func TaskID(payload ConvertPayload) string {
	if !payload.Retry {
		return "convert:" + payload.JobID
	}
	return "convert:" + payload.JobID + ":retry:" + strconv.FormatInt(payload.RequestedAt.UnixNano(), 10)
}

func (c *Client) Close() error {
	return c.client.Close()
}
