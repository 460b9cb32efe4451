// Package queue hands reconstruction jobs from the API to workers through
// Redis. The queue carries job IDs only; job state lives in Postgres.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"reconstruction-service/internal/config"
)

const (
	readyKey      = "recon:ready"
	inflightKey   = "recon:inflight"
	cancelPrefix  = "recon:cancel:"
	cancelFlagTTL = 24 * time.Hour
)

// RedisQueue coordinates the ready list, in-flight leases, and cancellation
// flags. Jobs are processed once; there is no retry or requeue path, so a
// lease that expires marks an operational problem, not a recovery trigger.
type RedisQueue struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lease := cfg.QueueLeaseTTL
	if lease == 0 {
		lease = 2 * time.Hour
	}
	return &RedisQueue{client: client, leaseTTL: lease}
}

// NewRedisQueueWithClient wires an existing client, for tests.
func NewRedisQueueWithClient(client *redis.Client, leaseTTL time.Duration) *RedisQueue {
	return &RedisQueue{client: client, leaseTTL: leaseTTL}
}

func cancelKey(jobID string) string {
	return cancelPrefix + jobID
}

// Enqueue appends a job to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, readyKey, jobID).Err()
}

// DequeueWithLease pops the oldest ready job and records it as in-flight
// with a lease deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{readyKey, inflightKey},
		time.Now().Add(q.leaseTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward for a long-running job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a finished job from in-flight tracking and clears its
// cancellation flag if one was set.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, cancelKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Remove drops a job from the ready list, for cancellation before a worker
// picks it up. Returns whether the job was still queued.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, readyKey, 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestCancel flags a job for cancellation. The worker observes the flag
// at the next stage boundary.
func (q *RedisQueue) RequestCancel(ctx context.Context, jobID string) error {
	return q.client.Set(ctx, cancelKey(jobID), "1", cancelFlagTTL).Err()
}

// IsCancelRequested reports whether a cancellation flag is set for the job.
func (q *RedisQueue) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReadyDepth returns the number of jobs waiting for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// InFlightDepth returns the number of leased jobs.
func (q *RedisQueue) InFlightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
