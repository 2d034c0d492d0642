// Package queue provides the durable task queue between the webhook intake
// and the worker, with Redis and AMQP backends.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicateTask is returned when a task with the same dedup key is already
// queued or recently processed.
var ErrDuplicateTask = errors.New("duplicate task")

// DefaultQueueName is the queue tasks are published to.
const DefaultQueueName = "whatsy_tasks"

// DefaultDedupTTL bounds how long a dedup key suppresses re-enqueues.
const DefaultDedupTTL = 15 * time.Minute

// Task is one unit of work moving through the queue.
type Task struct {
	ID       string `json:"id"`
	DedupKey string `json:"dedup_key,omitempty"`
	Attempt  int    `json:"attempt"`
	Payload  []byte `json:"payload"`

	// receipt is the backend-specific delivery handle.
	receipt interface{}
}

// Queue accepts tasks for asynchronous processing.
type Queue interface {
	// Enqueue publishes a task. A non-empty dedupKey collapses duplicate
	// submissions on backends that support it; duplicates return
	// ErrDuplicateTask.
	Enqueue(ctx context.Context, payload []byte, dedupKey string) (string, error)

	// IsAvailable reports whether the broker is reachable, using a short
	// probe.
	IsAvailable(ctx context.Context) bool

	// Close releases the broker connection.
	Close() error
}

// Consumer pulls tasks for processing. Every task returned by Next must be
// settled with exactly one of Ack, Retry or Discard.
type Consumer interface {
	// Next blocks until a task is available or the context is done. A nil
	// task with a nil error means the wait timed out.
	Next(ctx context.Context) (*Task, error)

	// Ack marks a task as successfully processed.
	Ack(ctx context.Context, task *Task) error

	// Retry requeues a task for another attempt after the given delay.
	Retry(ctx context.Context, task *Task, delay time.Duration) error

	// Discard drops a task permanently.
	Discard(ctx context.Context, task *Task) error
}

// DetectBrokerType classifies a broker URL as "redis" or "amqp".
func DetectBrokerType(brokerURL string) (string, error) {
	switch {
	case strings.HasPrefix(brokerURL, "redis://"), strings.HasPrefix(brokerURL, "rediss://"):
		return "redis", nil
	case strings.HasPrefix(brokerURL, "amqp://"), strings.HasPrefix(brokerURL, "amqps://"):
		return "amqp", nil
	default:
		return "", fmt.Errorf("unsupported broker URL %q", brokerURL)
	}
}

// Opts holds configuration options for queue backends.
type Opts struct {
	BrokerURL string
	QueueName string
	DedupTTL  time.Duration
}

// Option defines a configuration option for queue backends.
type Option func(*Opts)

// WithBrokerURL sets the broker connection URL.
func WithBrokerURL(u string) Option {
	return func(o *Opts) { o.BrokerURL = u }
}

// WithQueueName sets the queue name.
func WithQueueName(name string) Option {
	return func(o *Opts) { o.QueueName = name }
}

// WithDedupTTL sets how long a dedup key suppresses re-enqueues.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = ttl }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		QueueName: DefaultQueueName,
		DedupTTL:  DefaultDedupTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func marshalTask(t *Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}
	return string(b), nil
}

func unmarshalTask(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &t, nil
}
