// Package kafkaqueue adapts a Kafka topic to the task queue contract.
// Ack commits the consumer offset. Kafka has no per-message nack, so
// Nack republishes the payload to the topic and commits the original
// delivery; the message becomes immediately eligible again at the tail
// of the topic. An uncommitted fetch is redelivered after a consumer
// group rebalance, which approximates the redelivery deadline.
package kafkaqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/pixelforge/thumbnailer/internal/config"
	"github.com/pixelforge/thumbnailer/internal/queue"
)

// Delivery wraps one fetched Kafka message.
type Delivery struct {
	msg kafka.Message
}

func (d *Delivery) MessageID() string {
	return fmt.Sprintf("%s-%d-%d", d.msg.Topic, d.msg.Partition, d.msg.Offset)
}

func (d *Delivery) Payload() []byte { return d.msg.Value }

// Attempt returns 0: the broker does not track delivery attempts.
func (d *Delivery) Attempt() int { return 0 }

// Queue is a Kafka-backed task queue.
type Queue struct {
	consumer *wbfkafka.Consumer
	producer *wbfkafka.Producer
	strategy retry.Strategy
}

// New creates a Queue over the configured topic and consumer group.
func New(cfg *config.Kafka, s retry.Strategy) *Queue {
	return &Queue{
		consumer: wbfkafka.NewConsumer(cfg.Brokers, cfg.Topic, cfg.GroupID),
		producer: wbfkafka.NewProducer(cfg.Brokers, cfg.Topic),
		strategy: s,
	}
}

// Publish sends the payload to the topic with retries. Kafka does not
// return a broker-side message id, so the partitioning key doubles as
// the id reported to the caller.
func (q *Queue) Publish(ctx context.Context, payload []byte) (string, error) {
	key := uuid.NewString()

	if err := q.producer.SendWithRetry(ctx, q.strategy, []byte(key), payload); err != nil {
		return "", fmt.Errorf("publish: failed to send message: %w", err)
	}

	return key, nil
}

// Pull fetches up to maxMessages within the bounded wait. Fetch errors
// other than the wait expiring are logged and yield an empty result.
func (q *Queue) Pull(ctx context.Context, maxMessages int, wait time.Duration) ([]queue.Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var deliveries []queue.Delivery

	for len(deliveries) < maxMessages {
		msg, err := q.consumer.Fetch(fetchCtx)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				zlog.Logger.Warn().Err(err).Msg("kafkaqueue: fetch failed, treating as empty pull")
			}
			break
		}

		deliveries = append(deliveries, &Delivery{msg: msg})
	}

	return deliveries, nil
}

// Ack commits the consumer offset for the message.
func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	kd, ok := d.(*Delivery)
	if !ok {
		return fmt.Errorf("ack: delivery does not belong to kafkaqueue")
	}

	if err := q.consumer.Commit(ctx, kd.msg); err != nil {
		return fmt.Errorf("ack: failed to commit message: %w", err)
	}

	return nil
}

// Nack requeues the payload at the tail of the topic, then commits the
// original delivery so the consumer group moves past it.
func (q *Queue) Nack(ctx context.Context, d queue.Delivery) error {
	kd, ok := d.(*Delivery)
	if !ok {
		return fmt.Errorf("nack: delivery does not belong to kafkaqueue")
	}

	if err := q.producer.SendWithRetry(ctx, q.strategy, kd.msg.Key, kd.msg.Value); err != nil {
		return fmt.Errorf("nack: failed to requeue message: %w", err)
	}

	if err := q.consumer.Commit(ctx, kd.msg); err != nil {
		return fmt.Errorf("nack: failed to commit requeued message: %w", err)
	}

	return nil
}

// Close closes the underlying Kafka clients.
func (q *Queue) Close() error {
	if err := q.producer.Close(); err != nil {
		return fmt.Errorf("close: producer: %w", err)
	}
	if err := q.consumer.Close(); err != nil {
		return fmt.Errorf("close: consumer: %w", err)
	}

	return nil
}
