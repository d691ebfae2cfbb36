// Package queue defines the task queue contract shared by the producer
// and the workers. Implementations guarantee at-least-once delivery: a
// pulled message stays invisible to other consumers until it is acked,
// nacked, or its redelivery deadline elapses. No ordering is guaranteed
// across messages.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Publish on a queue that has been closed.
var ErrClosed = errors.New("queue is closed")

// Delivery is one instance of a message handed to a consumer. It
// carries the acknowledgment handle of its backend; a Delivery must be
// acked or nacked on the queue it was pulled from.
type Delivery interface {
	// MessageID identifies the underlying message for logging.
	MessageID() string
	// Payload returns the opaque message bytes.
	Payload() []byte
	// Attempt is the 1-based delivery attempt, or 0 when the backend
	// does not track attempts.
	Attempt() int
}

// Queue is a durable at-least-once message channel.
type Queue interface {
	// Publish appends a message and returns its id. A publish failure
	// is surfaced to the caller: losing an enqueue is a correctness
	// issue the producer must handle.
	Publish(ctx context.Context, payload []byte) (string, error)

	// Pull returns up to maxMessages deliveries, waiting at most wait
	// when the queue is empty. An unreachable backend yields an empty
	// result, not an error, so consumer loops stay alive.
	Pull(ctx context.Context, maxMessages int, wait time.Duration) ([]Delivery, error)

	// Ack permanently removes a delivered message.
	Ack(ctx context.Context, d Delivery) error

	// Nack makes a delivered message immediately eligible for
	// redelivery, bypassing its redelivery deadline.
	Nack(ctx context.Context, d Delivery) error

	Close() error
}
