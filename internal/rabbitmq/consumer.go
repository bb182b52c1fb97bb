package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer pulls deliveries from one queue on a dedicated channel. The
// broker pushes up to the prefetch count ahead; Next hands them out one at
// a time. Deliveries are never auto-acknowledged.
type Consumer struct {
	ch            Channel
	queue         string
	consumerTag   string
	prefetchCount int
	logger        *slog.Logger

	deliveries <-chan amqp.Delivery
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count. AMQP treats 0 as unlimited, so
// values below 1 are raised to 1.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewConsumer starts consuming queue on ch
func NewConsumer(ch Channel, queue string, options ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		ch:          ch,
		queue:       queue,
		consumerTag: "servicebus-" + uuid.NewString(),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.SetPrefetchCount(c.prefetchCount); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		queue,
		c.consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, c.consumerError("consume", err)
	}
	c.deliveries = deliveries

	c.logger.Debug("consuming queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)
	return c, nil
}

// Queue returns the consumed queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Next waits up to wait for the next delivery. It reports false when wait
// elapses or done is closed first.
func (c *Consumer) Next(ctx context.Context, wait time.Duration, done <-chan struct{}) (amqp.Delivery, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return amqp.Delivery{}, false, c.consumerError("receive", ErrConsumerCancelled)
		}
		return d, true, nil
	case <-timer.C:
		return amqp.Delivery{}, false, nil
	case <-done:
		return amqp.Delivery{}, false, nil
	case <-ctx.Done():
		return amqp.Delivery{}, false, ctx.Err()
	}
}

// Get fetches one message from queue without a consumer
func (c *Consumer) Get(queue string) (amqp.Delivery, bool, error) {
	d, ok, err := c.ch.Get(queue, false)
	if err != nil {
		return amqp.Delivery{}, false, &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "get",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}
	return d, ok, nil
}

// SetPrefetchCount changes how many unacknowledged deliveries the broker
// pushes ahead
func (c *Consumer) SetPrefetchCount(count int) error {
	if count < 1 {
		count = 1
	}
	if err := c.ch.Qos(count, 0, false); err != nil {
		return c.consumerError("qos", err)
	}
	c.prefetchCount = count
	return nil
}

// Cancel stops the broker from pushing further deliveries. Unacknowledged
// deliveries stay locked until acknowledged or the channel closes.
func (c *Consumer) Cancel() error {
	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		return c.consumerError("cancel", err)
	}
	return nil
}

func (c *Consumer) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       c.queue,
		ConsumerTag: c.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
