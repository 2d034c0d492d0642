package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// newIntegrationQueue connects to a real Redis instance. Set
// WHATSY_TEST_REDIS_URL to run the integration tests.
func newIntegrationQueue(t *testing.T) *RedisQueue {
	t.Helper()
	url := os.Getenv("WHATSY_TEST_REDIS_URL")
	if url == "" {
		t.Skip("WHATSY_TEST_REDIS_URL not set; skipping Redis integration test")
	}
	q, err := NewRedisQueue(
		WithBrokerURL(url),
		WithQueueName("whatsy_test_"+t.Name()),
		WithDedupTTL(time.Minute),
	)
	if err != nil {
		t.Fatalf("failed to create Redis queue: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		q.client.Del(ctx, q.pendingKey(), q.processingKey(), q.delayedKey())
		q.Close()
	})
	return q
}

func TestRedisQueueEnqueueDedup(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, []byte("payload"), "SM-dedup-1")
	if err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	id2, err := q.Enqueue(ctx, []byte("payload"), "SM-dedup-1")
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("second Enqueue err = %v, want ErrDuplicateTask", err)
	}
	if id1 != id2 {
		t.Errorf("duplicate enqueue returned different IDs: %q vs %q", id1, id2)
	}
}

func TestRedisQueueConsumeAndSettle(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("work"), "SM-consume-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	task, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if task == nil || string(task.Payload) != "work" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if err := q.Retry(ctx, task, time.Millisecond); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	// The retried task comes back with a bumped attempt counter.
	time.Sleep(50 * time.Millisecond)
	again, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next after retry failed: %v", err)
	}
	if again == nil || again.Attempt != 1 {
		t.Fatalf("retried task = %+v, want attempt 1", again)
	}
	if err := q.Ack(ctx, again); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
}

func TestRedisQueueRecoverOrphans(t *testing.T) {
	q := newIntegrationQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, []byte("orphan"), "SM-orphan-1"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	// Simulate a crash: the task is popped but never settled.
	if _, err := q.Next(ctx); err != nil {
		t.Fatalf("Next failed: %v", err)
	}

	recovered, err := q.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	task, err := q.Next(ctx)
	if err != nil || task == nil {
		t.Fatalf("orphan not requeued: task=%+v err=%v", task, err)
	}
	q.Ack(ctx, task)
}
