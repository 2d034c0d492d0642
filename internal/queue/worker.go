package queue

import (
	"context"
	"log/slog"
	"time"
)

// Worker processing defaults, matching the task deadline and linear backoff
// the pipeline is tuned for.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 60 * time.Second
	DefaultSoftTimeout = 270 * time.Second
	DefaultHardTimeout = 300 * time.Second
)

// errorPauseDuration is how long the loop pauses after a consumer error.
const errorPauseDuration = time.Second

// Handler processes one task payload.
type Handler func(ctx context.Context, payload []byte) error

// WorkerOpts holds configuration options for the worker.
type WorkerOpts struct {
	MaxAttempts int
	BackoffBase time.Duration
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// WorkerOption defines a configuration option for the worker.
type WorkerOption func(*WorkerOpts)

// WithMaxAttempts sets how many attempts a task gets before being discarded.
func WithMaxAttempts(n int) WorkerOption {
	return func(o *WorkerOpts) { o.MaxAttempts = n }
}

// WithBackoffBase sets the linear backoff base; attempt n retries after
// base * n.
func WithBackoffBase(d time.Duration) WorkerOption {
	return func(o *WorkerOpts) { o.BackoffBase = d }
}

// WithSoftTimeout sets the warning threshold for a single task.
func WithSoftTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOpts) { o.SoftTimeout = d }
}

// WithHardTimeout sets the wall-clock deadline for a single task.
func WithHardTimeout(d time.Duration) WorkerOption {
	return func(o *WorkerOpts) { o.HardTimeout = d }
}

// Worker consumes tasks one at a time and settles each with the consumer.
type Worker struct {
	consumer Consumer
	handler  Handler
	opts     WorkerOpts
}

// NewWorker creates a worker over the given consumer and handler.
func NewWorker(consumer Consumer, handler Handler, opts ...WorkerOption) *Worker {
	cfg := WorkerOpts{
		MaxAttempts: DefaultMaxAttempts,
		BackoffBase: DefaultBackoffBase,
		SoftTimeout: DefaultSoftTimeout,
		HardTimeout: DefaultHardTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{consumer: consumer, handler: handler, opts: cfg}
}

// Run processes tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Worker.Run: starting", "maxAttempts", w.opts.MaxAttempts,
		"backoffBase", w.opts.BackoffBase, "hardTimeout", w.opts.HardTimeout)
	for {
		task, err := w.consumer.Next(ctx)
		if ctx.Err() != nil {
			slog.Info("Worker.Run: stopping", "reason", ctx.Err())
			return nil
		}
		if err != nil {
			slog.Error("Worker.Run: failed to fetch task", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorPauseDuration):
			}
			continue
		}
		if task == nil {
			continue
		}
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task *Task) {
	taskCtx, cancel := context.WithTimeout(ctx, w.opts.HardTimeout)
	defer cancel()

	softTimer := time.AfterFunc(w.opts.SoftTimeout, func() {
		slog.Warn("Worker.process: task exceeded soft timeout", "taskID", task.ID,
			"attempt", task.Attempt, "softTimeout", w.opts.SoftTimeout)
	})
	defer softTimer.Stop()

	started := time.Now()
	err := w.handler(taskCtx, task.Payload)
	elapsed := time.Since(started)

	if err == nil {
		if ackErr := w.consumer.Ack(ctx, task); ackErr != nil {
			slog.Error("Worker.process: ack failed", "error", ackErr, "taskID", task.ID)
		}
		slog.Info("Worker.process: task completed", "taskID", task.ID, "attempt", task.Attempt, "elapsed", elapsed)
		return
	}

	// Attempts are zero-based; attempt n is the (n+1)-th execution.
	if task.Attempt+1 >= w.opts.MaxAttempts {
		slog.Error("Worker.process: task failed terminally", "error", err, "taskID", task.ID,
			"attempt", task.Attempt, "maxAttempts", w.opts.MaxAttempts)
		if discardErr := w.consumer.Discard(ctx, task); discardErr != nil {
			slog.Error("Worker.process: discard failed", "error", discardErr, "taskID", task.ID)
		}
		return
	}

	delay := w.opts.BackoffBase * time.Duration(task.Attempt+1)
	slog.Warn("Worker.process: task failed, retrying", "error", err, "taskID", task.ID,
		"attempt", task.Attempt, "delay", delay)
	if retryErr := w.consumer.Retry(ctx, task, delay); retryErr != nil {
		slog.Error("Worker.process: retry scheduling failed", "error", retryErr, "taskID", task.ID)
	}
}
