package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"offliner/internal/config"
	"offliner/internal/userconfig"

	"github.com/redis/go-redis/v9"
)

const (
	// WaitingQueue is the Redis list key for the job queue
	WaitingQueue = "offliner:waiting"
	// RunningKey is the Redis set key for request ids being processed
	RunningKey = "offliner:running"
	// FailedQueueName is the Redis list key for failed jobs
	FailedQueueName = "offliner:failed"
	// BlockTimeout is how long BRPOP will wait for a job
	BlockTimeout = 5 * time.Second
	// FailedJobTTL is how long failed jobs are kept in Redis
	FailedJobTTL = 30 * time.Minute
)

// Job is the serialized download request dispatched through the broker.
// It is immutable once enqueued; the worker that dequeues it owns it.
type Job struct {
	RequestID    string                             `json:"request_id"`
	RawInput     string                             `json:"raw_input"`
	PlaylistMode bool                               `json:"playlist_mode"`
	SelectedURLs []string                           `json:"selected_urls,omitempty"`
	Config       userconfig.UserConfig              `json:"user_config"`
	ItemConfigs  map[string]userconfig.ItemOverride `json:"item_configs,omitempty"`
	SessionDir   string                             `json:"session_dir"`
	ClientID     string                             `json:"client_id,omitempty"`
	CreatedAt    time.Time                          `json:"created_at"`
	FailReason   string                             `json:"fail_reason,omitempty"` // Set when job fails
}

// Queue manages the Redis job queue
type Queue struct {
	client *redis.Client
}

// NewQueue creates a new queue connection from REDIS_URL
func NewQueue(ctx context.Context) (*Queue, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	slog.Debug("Connecting to Redis queue", "addr", opts.Addr)

	client := redis.NewClient(opts)

	// Test the connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Redis queue initialized", "addr", opts.Addr)
	return &Queue{client: client}, nil
}

// NewQueueWithClient creates a queue with an existing Redis client (for testing)
func NewQueueWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// Push to left of list (LPUSH = append to queue)
	err = q.client.LPush(ctx, WaitingQueue, jobJSON).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	slog.Info("Job enqueued",
		"request_id", job.RequestID,
		"playlist_mode", job.PlaylistMode,
		"selected", len(job.SelectedURLs))
	return nil
}

// Dequeue removes and returns a job from the queue.
// This blocks for up to BlockTimeout waiting for a job; (nil, nil) means
// the wait timed out with nothing available.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if q.client == nil {
		return nil, fmt.Errorf("queue is not connected")
	}

	// Pop from right of list (BRPOP = blocking pop from end of queue)
	result, err := q.client.BRPop(ctx, BlockTimeout, WaitingQueue).Result()
	if err != nil {
		// redis.Nil means timeout (no job available)
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	// BRPOP returns [key, value]
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid BRPOP result: %v", result)
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	slog.Info("Job dequeued", "request_id", job.RequestID)
	return &job, nil
}

// StartJob marks a request id as being processed.
// Returns false when another worker already claimed it (conflict), which
// keeps redelivered jobs from running twice.
func (q *Queue) StartJob(ctx context.Context, requestID string) (bool, error) {
	if q.client == nil {
		return false, fmt.Errorf("queue is not connected")
	}

	// SADD returns 1 if added (id wasn't running), 0 if already present
	added, err := q.client.SAdd(ctx, RunningKey, requestID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark job as running: %w", err)
	}

	return added == 1, nil
}

// CompleteJob removes a request id from the running set
func (q *Queue) CompleteJob(ctx context.Context, requestID string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	err := q.client.SRem(ctx, RunningKey, requestID).Err()
	if err != nil {
		return fmt.Errorf("failed to remove job from running set: %w", err)
	}

	return nil
}

// FailJob adds a job to the failed queue with a reason
func (q *Queue) FailJob(ctx context.Context, job *Job, reason string) error {
	if q.client == nil {
		return fmt.Errorf("queue is not connected")
	}

	job.FailReason = reason

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal failed job: %w", err)
	}

	// Push to failed queue with TTL
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, FailedQueueName, jobJSON)
	pipe.Expire(ctx, FailedQueueName, FailedJobTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to add job to failed queue: %w", err)
	}

	slog.Warn("Job failed", "request_id", job.RequestID, "reason", reason)
	return nil
}

// QueueLength returns the number of jobs in the queue
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("queue is not connected")
	}

	length, err := q.client.LLen(ctx, WaitingQueue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}

	return length, nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}
