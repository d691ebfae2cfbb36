// Package pgqueue implements the task queue on a PostgreSQL table.
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never receive
// the same message, and a lease column enforces the redelivery deadline
// for consumers that die without acking.
package pgqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/queue"
)

const defaultPollInterval = 100 * time.Millisecond

// Delivery is one claimed row of the task_queue table.
type Delivery struct {
	id      int64
	payload []byte
	attempt int
}

func (d *Delivery) MessageID() string { return strconv.FormatInt(d.id, 10) }
func (d *Delivery) Payload() []byte   { return d.payload }
func (d *Delivery) Attempt() int      { return d.attempt }

// Queue is a PostgreSQL-backed task queue.
type Queue struct {
	db           *dbpg.DB
	deadline     time.Duration
	pollInterval time.Duration
}

// New creates a Queue on the given connection. deadline is how long a
// claimed message stays leased before it becomes redeliverable.
func New(db *dbpg.DB, deadline time.Duration) *Queue {
	return &Queue{
		db:           db,
		deadline:     deadline,
		pollInterval: defaultPollInterval,
	}
}

// Publish inserts a message row and returns its id.
func (q *Queue) Publish(ctx context.Context, payload []byte) (string, error) {
	query := `
		INSERT INTO task_queue (payload)
		VALUES ($1)
		RETURNING id
	`

	// The insert must hit the master; the routing wrapper may send a
	// QueryRow to a slave.
	var id int64
	if err := q.db.Master.QueryRowContext(ctx, query, payload).Scan(&id); err != nil {
		return "", fmt.Errorf("publish: failed to insert message: %w", err)
	}

	return strconv.FormatInt(id, 10), nil
}

// Pull claims up to maxMessages rows, polling until the bounded wait
// elapses. A claim error is treated as "no work now" so the caller's
// loop keeps running; only the error is logged.
func (q *Queue) Pull(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.Delivery, error) {
	deadline := time.Now().Add(wait)

	for {
		deliveries, err := q.claim(ctx, maxMessages)
		if err != nil {
			zlog.Logger.Warn().Err(err).Msg("pgqueue: claim failed, treating as empty pull")
			return nil, nil
		}

		if len(deliveries) > 0 {
			return deliveries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		interval := q.pollInterval
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

// claim leases up to max eligible rows. A row is eligible when it is
// not currently leased; claiming bumps its attempt counter.
func (q *Queue) claim(ctx context.Context, max int) ([]queue.Delivery, error) {
	query := `
		UPDATE task_queue
		SET attempts = attempts + 1,
		    leased_until = now() + make_interval(secs => $1)
		WHERE id IN (
			SELECT id FROM task_queue
			WHERE leased_until IS NULL OR leased_until <= now()
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id, payload, attempts
	`

	rows, err := q.db.Master.QueryContext(ctx, query, q.deadline.Seconds(), max)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	defer rows.Close()

	var deliveries []queue.Delivery
	for rows.Next() {
		d := &Delivery{}
		if err := rows.Scan(&d.id, &d.payload, &d.attempt); err != nil {
			return nil, fmt.Errorf("claim: scan: %w", err)
		}
		deliveries = append(deliveries, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim: rows: %w", err)
	}

	return deliveries, nil
}

// Ack deletes the message row.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	pd, ok := d.(*Delivery)
	if !ok {
		return fmt.Errorf("ack: delivery does not belong to pgqueue")
	}

	if _, err := q.db.ExecContext(ctx, `DELETE FROM task_queue WHERE id = $1`, pd.id); err != nil {
		return fmt.Errorf("ack: failed to delete message %d: %w", pd.id, err)
	}

	return nil
}

// Nack clears the lease so the message is immediately redeliverable.
func (q *Queue) Nack(ctx context.Context, d queue.Delivery) error {
	pd, ok := d.(*Delivery)
	if !ok {
		return fmt.Errorf("nack: delivery does not belong to pgqueue")
	}

	query := `UPDATE task_queue SET leased_until = NULL WHERE id = $1`
	if _, err := q.db.ExecContext(ctx, query, pd.id); err != nil {
		return fmt.Errorf("nack: failed to release message %d: %w", pd.id, err)
	}

	return nil
}

// Close is a no-op: the database connection is owned by the caller.
func (q *Queue) Close() error { return nil }
