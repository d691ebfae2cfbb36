// Package memqueue implements the task queue contract in process
// memory with full lease semantics. It backs the test suites and works
// as a queue backend for single-node deployments, at the cost of
// durability across restarts.
package memqueue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/pixelforge/thumbnailer/internal/queue"
)

const pollInterval = 10 * time.Millisecond

var errWrongBackend = errors.New("delivery does not belong to memqueue")

type message struct {
	id          int64
	payload     []byte
	attempts    int
	leasedUntil time.Time
}

// Delivery is one leased in-memory message.
type Delivery struct {
	id      int64
	payload []byte
	attempt int
}

func (d *Delivery) MessageID() string { return strconv.FormatInt(d.id, 10) }
func (d *Delivery) Payload() []byte   { return d.payload }
func (d *Delivery) Attempt() int      { return d.attempt }

// Queue is an in-memory task queue.
type Queue struct {
	mu       sync.Mutex
	messages []*message
	nextID   int64
	deadline time.Duration
	closed   bool
}

// New creates a Queue whose pulled messages stay leased for deadline.
func New(deadline time.Duration) *Queue {
	return &Queue{deadline: deadline, nextID: 1}
}

// Publish appends a message and returns its id.
func (q *Queue) Publish(_ context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.ErrClosed
	}

	id := q.nextID
	q.nextID++

	buf := make([]byte, len(payload))
	copy(buf, payload)
	q.messages = append(q.messages, &message{id: id, payload: buf})

	return strconv.FormatInt(id, 10), nil
}

// Pull leases up to maxMessages eligible messages, polling until the
// bounded wait elapses. It never blocks past wait.
func (q *Queue) Pull(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		if ds := q.lease(maxMessages); len(ds) > 0 {
			return ds, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		interval := pollInterval
		if interval > remaining {
			interval = remaining
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(interval):
		}
	}
}

func (q *Queue) lease(max int) []queue.Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	var deliveries []queue.Delivery
	for _, m := range q.messages {
		if len(deliveries) == max {
			break
		}
		if m.leasedUntil.After(now) {
			continue
		}

		m.attempts++
		m.leasedUntil = now.Add(q.deadline)
		deliveries = append(deliveries, &Delivery{id: m.id, payload: m.payload, attempt: m.attempts})
	}

	return deliveries
}

// Ack removes the message permanently.
func (q *Queue) Ack(_ context.Context, d queue.Delivery) error {
	md, ok := d.(*Delivery)
	if !ok {
		return errWrongBackend
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.id == md.id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			break
		}
	}

	return nil
}

// Nack clears the lease so the message is immediately redeliverable.
func (q *Queue) Nack(_ context.Context, d queue.Delivery) error {
	md, ok := d.(*Delivery)
	if !ok {
		return errWrongBackend
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, m := range q.messages {
		if m.id == md.id {
			m.leasedUntil = time.Time{}
			break
		}
	}

	return nil
}

// Close stops accepting publishes. Pending messages stay pullable so
// in-flight consumers can drain.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

// Len reports the number of messages currently held, leased or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.messages)
}
