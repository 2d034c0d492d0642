package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// pollBlockTimeout bounds a single blocking pop so the consumer can promote
// delayed tasks and observe context cancellation.
const pollBlockTimeout = 5 * time.Second

// availabilityProbeTimeout bounds the IsAvailable ping.
const availabilityProbeTimeout = 2 * time.Second

// RedisQueue is a Redis-backed reliable queue. Pending tasks live in a list;
// an in-flight task is moved to a processing list until it is settled, and
// delayed retries wait in a sorted set keyed by their due time.
type RedisQueue struct {
	client   *redis.Client
	name     string
	dedupTTL time.Duration
}

// NewRedisQueue creates a Redis queue based on provided options.
func NewRedisQueue(opts ...Option) (*RedisQueue, error) {
	cfg := applyOptions(opts)
	if cfg.BrokerURL == "" {
		slog.Error("RedisQueue broker URL not set")
		return nil, fmt.Errorf("broker URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		slog.Error("RedisQueue invalid broker URL", "error", err)
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	slog.Debug("RedisQueue.NewRedisQueue: created queue", "queue", cfg.QueueName, "dedupTTL", cfg.DedupTTL)
	return &RedisQueue{client: client, name: cfg.QueueName, dedupTTL: cfg.DedupTTL}, nil
}

func (q *RedisQueue) pendingKey() string    { return q.name }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) dedupKey(k string) string {
	return q.name + ":dedup:" + k
}

// Enqueue publishes a task. A non-empty dedupKey claims a Redis key with
// SETNX; a second enqueue within the TTL returns ErrDuplicateTask.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte, dedupKey string) (string, error) {
	taskID := dedupKey
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if dedupKey != "" {
		ok, err := q.client.SetNX(ctx, q.dedupKey(dedupKey), taskID, q.dedupTTL).Result()
		if err != nil {
			slog.Error("RedisQueue.Enqueue dedup check failed", "error", err, "dedupKey", dedupKey)
			return "", fmt.Errorf("failed to claim dedup key: %w", err)
		}
		if !ok {
			slog.Info("RedisQueue.Enqueue: duplicate task suppressed", "dedupKey", dedupKey)
			return taskID, ErrDuplicateTask
		}
	}
	data, err := marshalTask(&Task{ID: taskID, DedupKey: dedupKey, Payload: payload})
	if err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
		slog.Error("RedisQueue.Enqueue push failed", "error", err, "taskID", taskID)
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	slog.Debug("RedisQueue.Enqueue succeeded", "taskID", taskID, "dedupKey", dedupKey)
	return taskID, nil
}

// IsAvailable reports whether Redis answers a short ping.
func (q *RedisQueue) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, availabilityProbeTimeout)
	defer cancel()
	if err := q.client.Ping(probeCtx).Err(); err != nil {
		slog.Warn("RedisQueue.IsAvailable: ping failed", "error", err)
		return false
	}
	return true
}

// Next blocks for the next task, first promoting any delayed retries that
// have come due. The task is moved to the processing list until settled.
func (q *RedisQueue) Next(ctx context.Context) (*Task, error) {
	if err := q.promoteDelayed(ctx); err != nil {
		slog.Warn("RedisQueue.Next: delayed promotion failed", "error", err)
	}
	data, err := q.client.BLMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT", pollBlockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to pop task: %w", err)
	}
	task, err := unmarshalTask(data)
	if err != nil {
		// A corrupt entry can never be processed; drop it from processing.
		q.client.LRem(ctx, q.processingKey(), 1, data)
		slog.Error("RedisQueue.Next: dropping corrupt task", "error", err)
		return nil, nil
	}
	task.receipt = data
	return task, nil
}

// Ack removes a settled task from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, task *Task) error {
	return q.removeFromProcessing(ctx, task)
}

// Retry removes the task from the processing list and schedules a new
// attempt after the given delay.
func (q *RedisQueue) Retry(ctx context.Context, task *Task, delay time.Duration) error {
	if err := q.removeFromProcessing(ctx, task); err != nil {
		return err
	}
	next := &Task{ID: task.ID, DedupKey: task.DedupKey, Attempt: task.Attempt + 1, Payload: task.Payload}
	data, err := marshalTask(next)
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: data}).Err(); err != nil {
		slog.Error("RedisQueue.Retry schedule failed", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	slog.Info("RedisQueue.Retry scheduled", "taskID", task.ID, "attempt", next.Attempt, "delay", delay)
	return nil
}

// Discard drops a task permanently.
func (q *RedisQueue) Discard(ctx context.Context, task *Task) error {
	return q.removeFromProcessing(ctx, task)
}

// RecoverOrphans moves tasks left in the processing list by a crashed worker
// back onto the pending queue. Call once at worker startup, before Next.
func (q *RedisQueue) RecoverOrphans(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover orphaned task: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		slog.Info("RedisQueue.RecoverOrphans: requeued orphaned tasks", "count", recovered)
	}
	return recovered, nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) removeFromProcessing(ctx context.Context, task *Task) error {
	data, ok := task.receipt.(string)
	if !ok {
		return fmt.Errorf("task %s has no Redis receipt", task.ID)
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, data).Err(); err != nil {
		slog.Error("RedisQueue: failed to settle task", "error", err, "taskID", task.ID)
		return fmt.Errorf("failed to settle task %s: %w", task.ID, err)
	}
	return nil
}

// promoteDelayed moves due retries from the delayed set to the pending queue.
func (q *RedisQueue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, data := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), data).Result()
		if err != nil {
			return err
		}
		// Another consumer may have claimed it between range and remove.
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), data).Err(); err != nil {
			return err
		}
	}
	return nil
}
