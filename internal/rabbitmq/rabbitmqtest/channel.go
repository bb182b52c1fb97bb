// Package rabbitmqtest provides an in-memory rabbitmq.Channel for unit tests
// that need no broker.
package rabbitmqtest

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Published is one message passed to PublishWithContext
type Published struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// Nacked is one negative acknowledgement
type Nacked struct {
	Tag     uint64
	Requeue bool
}

// Channel records what the code under test asks of the broker. Consumed
// messages are pushed with Deliver, basic.get is served from Enqueue'd
// messages and every publish is confirmed unless told otherwise.
type Channel struct {
	// Errors returned by the matching calls when set
	QosErr     error
	ConsumeErr error
	GetErr     error
	AckErr     error
	NackErr    error
	CancelErr  error
	ConfirmErr error
	PublishErr error
	DeclareErr error
	BindErr    error
	CloseErr   error

	// NackPublishes makes the broker reject published messages
	NackPublishes bool
	// SilentConfirms withholds confirmations entirely
	SilentConfirms bool

	mu         sync.Mutex
	deliveries chan amqp.Delivery
	queues     map[string][]amqp.Delivery
	confirms   chan amqp.Confirmation
	nextTag    uint64
	publishSeq uint64
	closed     bool

	published  []Published
	acked      []uint64
	nacked     []Nacked
	prefetch   []int
	cancelled  []string
	exchanges  map[string]amqp.Table
	declared   map[string]amqp.Table
	bindings   map[string]string
	closeCalls int
}

// NewChannel returns an open fake channel
func NewChannel() *Channel {
	return &Channel{
		deliveries: make(chan amqp.Delivery, 64),
		queues:     make(map[string][]amqp.Delivery),
		exchanges:  make(map[string]amqp.Table),
		declared:   make(map[string]amqp.Table),
		bindings:   make(map[string]string),
	}
}

// Deliver pushes d to the consumer, assigning a delivery tag
func (c *Channel) Deliver(d amqp.Delivery) uint64 {
	c.mu.Lock()
	c.nextTag++
	d.DeliveryTag = c.nextTag
	c.mu.Unlock()

	c.deliveries <- d
	return d.DeliveryTag
}

// Enqueue stores d for basic.get on queue, assigning a delivery tag
func (c *Channel) Enqueue(queue string, d amqp.Delivery) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextTag++
	d.DeliveryTag = c.nextTag
	c.queues[queue] = append(c.queues[queue], d)
	return d.DeliveryTag
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.QosErr != nil {
		return c.QosErr
	}
	c.prefetch = append(c.prefetch, prefetchCount)
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	return c.deliveries, nil
}

func (c *Channel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.GetErr != nil {
		return amqp.Delivery{}, false, c.GetErr
	}
	pending := c.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	c.queues[queue] = pending[1:]
	return pending[0], true, nil
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.AckErr != nil {
		return c.AckErr
	}
	c.acked = append(c.acked, tag)
	return nil
}

func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.NackErr != nil {
		return c.NackErr
	}
	c.nacked = append(c.nacked, Nacked{Tag: tag, Requeue: requeue})
	return nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.CancelErr != nil {
		return c.CancelErr
	}
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	return c.ConfirmErr
}

func (c *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.confirms = confirm
	return confirm
}

func (c *Channel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return ch
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.PublishErr != nil {
		return c.PublishErr
	}
	if c.closed {
		return amqp.ErrClosed
	}
	c.published = append(c.published, Published{Exchange: exchange, RoutingKey: key, Message: msg})
	c.publishSeq++

	if c.confirms != nil && !c.SilentConfirms {
		c.confirms <- amqp.Confirmation{DeliveryTag: c.publishSeq, Ack: !c.NackPublishes}
	}
	return nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.DeclareErr != nil {
		return c.DeclareErr
	}
	c.exchanges[name] = amqp.Table{"type": kind}
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	c.declared[name] = args
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.BindErr != nil {
		return c.BindErr
	}
	c.bindings[name] = exchange
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCalls++
	if c.CloseErr != nil {
		return c.CloseErr
	}
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

// Published returns every message published so far
func (c *Channel) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// Acked returns the acknowledged delivery tags
func (c *Channel) Acked() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.acked...)
}

// Nacked returns the negative acknowledgements
func (c *Channel) Nacked() []Nacked {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Nacked(nil), c.nacked...)
}

// Prefetch returns every prefetch count set through Qos
func (c *Channel) Prefetch() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.prefetch...)
}

// Cancelled returns the cancelled consumer tags
func (c *Channel) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// Exchange returns the kind of a declared exchange
func (c *Channel) Exchange(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	args, ok := c.exchanges[name]
	if !ok {
		return "", false
	}
	kind, _ := args["type"].(string)
	return kind, true
}

// Queue returns the arguments a queue was declared with
func (c *Channel) Queue(name string) (amqp.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	args, ok := c.declared[name]
	return args, ok
}

// BoundTo returns the exchange a queue is bound to
func (c *Channel) BoundTo(queue string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[queue]
}

// Pending returns the messages still waiting for basic.get on queue
func (c *Channel) Pending(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[queue])
}

// IsClosed reports whether Close succeeded
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls counts Close invocations
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
