package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/rabbitmq"
	"github.com/glimte/servicebus-go/messaging"
)

const (
	// DefaultLockDuration is how long a received message stays locked
	DefaultLockDuration = 30 * time.Second

	// DefaultServerWaitTime is the receive wait used when the caller passes 0
	DefaultServerWaitTime = 60 * time.Second
)

// channelSource opens AMQP channels for one connection string
type channelSource interface {
	Channel() (rabbitmq.Channel, error)
	IsConnected() bool
	Close() error
}

// Transport implements messaging.Transport over AMQP 0-9-1. Each connection
// string gets one AMQP connection, dialled on first use; every link runs on
// its own channel.
type Transport struct {
	lockDuration   time.Duration
	defaultWait    time.Duration
	dialTimeout    time.Duration
	confirmTimeout time.Duration
	topics         map[string]bool
	topology       []rabbitmq.TopologyOption
	logger         *slog.Logger
	sequence       *rabbitmq.SequenceGenerator

	dial func(ctx context.Context, url string) (channelSource, error)

	mu          sync.Mutex
	connections map[string]channelSource
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLockDuration sets how long a received message stays locked before it
// is returned to the queue
func WithLockDuration(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.lockDuration = d
		}
	}
}

// WithDefaultWait sets the receive wait used when the caller passes 0
func WithDefaultWait(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.defaultWait = d
		}
	}
}

// WithDialTimeout bounds connection establishment
func WithDialTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.dialTimeout = d
	}
}

// WithConfirmTimeout bounds how long a send waits for the broker to confirm
func WithConfirmTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.confirmTimeout = d
	}
}

// WithTopics marks entity paths that are topics. Sends to a topic fan out to
// its subscriptions; sends to any other path land in a queue of that name.
func WithTopics(names ...string) TransportOption {
	return func(t *Transport) {
		for _, name := range names {
			t.topics[name] = true
		}
	}
}

// WithQueueType selects quorum (default) or classic queues
func WithQueueType(queueType string) TransportOption {
	return func(t *Transport) {
		t.topology = append(t.topology, rabbitmq.WithQueueType(queueType))
	}
}

// WithMaxDeliveryCount sets the delivery limit after which quorum queues
// dead-letter a message
func WithMaxDeliveryCount(n int) TransportOption {
	return func(t *Transport) {
		t.topology = append(t.topology, rabbitmq.WithMaxDeliveryCount(n))
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a RabbitMQ transport. No connection is made until the
// first link is opened.
func NewTransport(options ...TransportOption) *Transport {
	t := &Transport{
		lockDuration: DefaultLockDuration,
		defaultWait:  DefaultServerWaitTime,
		topics:       make(map[string]bool),
		logger:       slog.Default(),
		sequence:     rabbitmq.NewSequenceGenerator(),
		connections:  make(map[string]channelSource),
	}
	t.dial = t.dialAMQP

	for _, opt := range options {
		opt(t)
	}

	return t
}

// OpenSender implements messaging.Transport
func (t *Transport) OpenSender(ctx context.Context, connectionString, entityPath string) (messaging.SenderLink, error) {
	if contracts.IsDeadLetterPath(entityPath) {
		return nil, fmt.Errorf("cannot send to dead-letter sub-queue %s: %w", entityPath, contracts.ErrUnsupported)
	}
	if _, _, ok := contracts.SplitSubscriptionPath(entityPath); ok {
		return nil, fmt.Errorf("cannot send to subscription %s: %w", entityPath, contracts.ErrUnsupported)
	}

	entity := rabbitmq.ResolveEntity(entityPath, t.topics[entityPath])
	ch, err := t.channel(ctx, connectionString, entity)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewPublisher(ch, rabbitmq.WithConfirmTimeout(t.confirmTimeout))
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	return &senderLink{
		entity:    entity,
		ch:        ch,
		publisher: publisher,
		sequence:  t.sequence,
		logger:    t.logger,
	}, nil
}

// OpenReceiver implements messaging.Transport
func (t *Transport) OpenReceiver(ctx context.Context, connectionString, entityPath string, options messaging.ReceiverLinkOptions) (messaging.ReceiverLink, error) {
	if options.Mode != contracts.PeekLock {
		return nil, fmt.Errorf("receive mode %s: %w", options.Mode, contracts.ErrUnsupported)
	}
	if t.topics[entityPath] {
		return nil, fmt.Errorf("cannot receive from topic %s, open a subscription: %w", entityPath, contracts.ErrUnsupported)
	}

	entity := rabbitmq.ResolveEntity(entityPath, false)
	ch, err := t.channel(ctx, connectionString, entity)
	if err != nil {
		return nil, err
	}

	publisher, err := rabbitmq.NewPublisher(ch, rabbitmq.WithConfirmTimeout(t.confirmTimeout))
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	consumer, err := rabbitmq.NewConsumer(ch, entity.Queue,
		rabbitmq.WithPrefetchCount(options.PrefetchCount),
		rabbitmq.WithConsumerLogger(t.logger),
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	return newReceiverLink(entity, ch, consumer, publisher, t.lockDuration, t.defaultWait, t.logger), nil
}

// Ping checks that the broker behind connectionString accepts a channel,
// dialling if no connection is open yet
func (t *Transport) Ping(ctx context.Context, connectionString string) error {
	conn, err := t.connection(ctx, connectionString)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Close(); err != nil && !rabbitmq.IsChannelClosed(err) {
		return err
	}
	return nil
}

// Close closes every AMQP connection the transport opened. Links on them
// fail afterwards.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for url, conn := range t.connections {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.connections, url)
	}
	return firstErr
}

// channel opens a channel for entity and declares its topology
func (t *Transport) channel(ctx context.Context, connectionString string, entity rabbitmq.Entity) (rabbitmq.Channel, error) {
	topology, err := rabbitmq.NewTopologyManager(t.topology...)
	if err != nil {
		return nil, err
	}

	conn, err := t.connection(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := topology.Declare(ch, entity); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

func (t *Transport) connection(ctx context.Context, connectionString string) (channelSource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.connections[connectionString]; ok {
		if conn.IsConnected() {
			return conn, nil
		}
		// a dropped connection is replaced by the next open
		_ = conn.Close()
		delete(t.connections, connectionString)
	}

	conn, err := t.dial(ctx, connectionString)
	if err != nil {
		return nil, err
	}
	t.connections[connectionString] = conn
	return conn, nil
}

func (t *Transport) dialAMQP(ctx context.Context, url string) (channelSource, error) {
	manager := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(t.logger),
		rabbitmq.WithDialTimeout(t.dialTimeout),
	)
	if err := manager.Connect(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}
