package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue is an AMQP-backed queue using a durable main queue, a TTL-based
// retry queue that dead-letters back to the main queue, and a DLQ for
// discarded tasks. The broker has no dedup primitive; duplicate deliveries
// collapse at the consumer's idempotency checks instead.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	name       string
	deliveries <-chan amqp.Delivery
}

// NewAMQPQueue creates an AMQP queue based on provided options and declares
// the queue topology.
func NewAMQPQueue(opts ...Option) (*AMQPQueue, error) {
	cfg := applyOptions(opts)
	if cfg.BrokerURL == "" {
		slog.Error("AMQPQueue broker URL not set")
		return nil, fmt.Errorf("broker URL not set")
	}
	conn, err := amqp.Dial(cfg.BrokerURL)
	if err != nil {
		slog.Error("AMQPQueue dial failed", "error", err)
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	q := &AMQPQueue{conn: conn, ch: ch, name: cfg.QueueName}
	if err := q.declareTopology(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	slog.Debug("AMQPQueue.NewAMQPQueue: created queue", "queue", cfg.QueueName)
	return q, nil
}

func (q *AMQPQueue) retryName() string { return q.name + ".retry" }
func (q *AMQPQueue) dlqName() string   { return q.name + ".dlq" }

func (q *AMQPQueue) declareTopology() error {
	// Rejected main-queue messages route to the DLQ.
	if _, err := q.ch.QueueDeclare(q.name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.dlqName(),
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
	}
	// Expired retry messages route back to the main queue.
	if _, err := q.ch.QueueDeclare(q.retryName(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.name,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.retryName(), err)
	}
	if _, err := q.ch.QueueDeclare(q.dlqName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", q.dlqName(), err)
	}
	return nil
}

// Enqueue publishes a task to the main queue. dedupKey is carried on the task
// for consumer-side idempotency but does not suppress duplicates broker-side.
func (q *AMQPQueue) Enqueue(ctx context.Context, payload []byte, dedupKey string) (string, error) {
	taskID := dedupKey
	if taskID == "" {
		taskID = uuid.NewString()
	}
	data, err := marshalTask(&Task{ID: taskID, DedupKey: dedupKey, Payload: payload})
	if err != nil {
		return "", err
	}
	if err := q.publish(ctx, q.name, taskID, data, 0); err != nil {
		slog.Error("AMQPQueue.Enqueue failed", "error", err, "taskID", taskID)
		return "", err
	}
	slog.Debug("AMQPQueue.Enqueue succeeded", "taskID", taskID)
	return taskID, nil
}

// IsAvailable reports whether the broker connection is open.
func (q *AMQPQueue) IsAvailable(ctx context.Context) bool {
	if q.conn.IsClosed() {
		slog.Warn("AMQPQueue.IsAvailable: connection closed")
		return false
	}
	return true
}

// Next blocks for the next delivery. Consumption starts lazily with
// prefetch 1 so one unsettled task is in flight at a time.
func (q *AMQPQueue) Next(ctx context.Context) (*Task, error) {
	if q.deliveries == nil {
		if err := q.ch.Qos(1, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
		deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to start consuming: %w", err)
		}
		q.deliveries = deliveries
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel closed")
		}
		task, err := unmarshalTask(string(d.Body))
		if err != nil {
			// A corrupt message can never be processed; send it to the DLQ.
			d.Nack(false, false)
			slog.Error("AMQPQueue.Next: rejecting corrupt task", "error", err)
			return nil, nil
		}
		task.receipt = d
		return task, nil
	}
}

// Ack marks a task as successfully processed.
func (q *AMQPQueue) Ack(ctx context.Context, task *Task) error {
	d, ok := task.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("task %s has no AMQP receipt", task.ID)
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", task.ID, err)
	}
	return nil
}

// Retry publishes the task to the retry queue with a per-message TTL equal to
// the delay, then acks the original delivery. When the TTL expires the broker
// routes the message back to the main queue.
func (q *AMQPQueue) Retry(ctx context.Context, task *Task, delay time.Duration) error {
	d, ok := task.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("task %s has no AMQP receipt", task.ID)
	}
	next := &Task{ID: task.ID, DedupKey: task.DedupKey, Attempt: task.Attempt + 1, Payload: task.Payload}
	data, err := marshalTask(next)
	if err != nil {
		return err
	}
	if err := q.publish(ctx, q.retryName(), task.ID, data, delay); err != nil {
		slog.Error("AMQPQueue.Retry publish failed", "error", err, "taskID", task.ID)
		return err
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("failed to ack retried task %s: %w", task.ID, err)
	}
	slog.Info("AMQPQueue.Retry scheduled", "taskID", task.ID, "attempt", next.Attempt, "delay", delay)
	return nil
}

// Discard rejects a task without requeueing; the broker dead-letters it to
// the DLQ.
func (q *AMQPQueue) Discard(ctx context.Context, task *Task) error {
	d, ok := task.receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("task %s has no AMQP receipt", task.ID)
	}
	if err := d.Nack(false, false); err != nil {
		return fmt.Errorf("failed to discard task %s: %w", task.ID, err)
	}
	return nil
}

// Close releases the channel and connection.
func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

func (q *AMQPQueue) publish(ctx context.Context, routingKey, taskID, body string, ttl time.Duration) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    taskID,
		Body:         []byte(body),
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	if err := q.ch.PublishWithContext(ctx, "", routingKey, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}
