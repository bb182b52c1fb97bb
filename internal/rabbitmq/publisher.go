package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one channel in confirm mode. Publishes are
// serialized so confirmations line up with the messages that caused them.
type Publisher struct {
	ch             Channel
	confirmTimeout time.Duration

	mu       sync.Mutex
	confirms chan amqp.Confirmation
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher puts ch into confirm mode and returns a publisher on it
func NewPublisher(ch Channel, options ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ch:             ch,
		confirmTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	if err := ch.Confirm(false); err != nil {
		return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
	}
	// buffered so the library never blocks delivering a confirm we stopped waiting for
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 256))

	return p, nil
}

// Publish publishes msg and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishBatch(ctx, []PublishMessage{{Exchange: exchange, RoutingKey: routingKey, Message: msg}})
}

// PublishBatch publishes every message and waits until all are confirmed.
// The batch is not transactional: a failure part way leaves the earlier
// messages published.
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// drop late confirms of an earlier publish that gave up waiting
	for drained := false; !drained; {
		select {
		case <-p.confirms:
		default:
			drained = true
		}
	}

	for i, msg := range messages {
		if err := p.ch.PublishWithContext(
			ctx,
			msg.Exchange,
			msg.RoutingKey,
			false, // mandatory
			false, // immediate
			msg.Message,
		); err != nil {
			return &PublishError{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Err:        fmt.Errorf("message %d: %w", i, err),
				Timestamp:  time.Now(),
			}
		}
	}

	// Wait for all confirmations
	confirmed := 0
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	for confirmed < len(messages) {
		select {
		case confirm, ok := <-p.confirms:
			if !ok {
				return p.publishError(messages[confirmed], ErrChannelClosed)
			}
			if !confirm.Ack {
				return p.publishError(messages[confirmed],
					fmt.Errorf("%w: delivery tag %d", ErrPublishNotConfirmed, confirm.DeliveryTag))
			}
			confirmed++

		case <-timeout.C:
			return p.publishError(messages[confirmed],
				fmt.Errorf("%w: confirmed %d/%d", ErrPublishTimeout, confirmed, len(messages)))

		case <-ctx.Done():
			return p.publishError(messages[confirmed], ctx.Err())
		}
	}

	return nil
}

func (p *Publisher) publishError(msg PublishMessage, err error) error {
	return &PublishError{
		Exchange:   msg.Exchange,
		RoutingKey: msg.RoutingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}
