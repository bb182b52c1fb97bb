package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
)

// Queue types accepted by TopologyManager
const (
	QueueTypeQuorum  = "quorum"
	QueueTypeClassic = "classic"
)

// DeferredSuffix names the queue holding deferred messages of an entity
const DeferredSuffix = "/$Deferred"

// Entity is the AMQP topology behind one entity path. Sends go to Exchange,
// receives read Queue.
type Entity struct {
	Path            string
	Exchange        string
	Queue           string
	DeadLetterQueue string
	DeferredQueue   string
	// Topic entities have no queue of their own
	Topic bool
	// DeadLetter entities are the sub-queue of another entity
	DeadLetter bool
}

// ResolveEntity maps an entity path onto exchanges and queues. A queue
// "orders" is a fanout exchange "orders" bound to a queue "orders"; a
// subscription "events/subscriptions/audit" is a queue of that name bound
// to the exchange "events"; a dead-letter path is a plain queue.
func ResolveEntity(path string, topic bool) Entity {
	if contracts.IsDeadLetterPath(path) {
		return Entity{Path: path, Queue: path, DeadLetter: true}
	}
	if t, _, ok := contracts.SplitSubscriptionPath(path); ok {
		return Entity{
			Path:            path,
			Exchange:        t,
			Queue:           path,
			DeadLetterQueue: contracts.DeadLetterPath(path),
			DeferredQueue:   path + DeferredSuffix,
		}
	}
	if topic {
		return Entity{Path: path, Exchange: path, Topic: true}
	}
	return Entity{
		Path:            path,
		Exchange:        path,
		Queue:           path,
		DeadLetterQueue: contracts.DeadLetterPath(path),
		DeferredQueue:   path + DeferredSuffix,
	}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology represents the complete messaging topology of an entity
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyManager declares entity topology
type TopologyManager struct {
	queueType        string
	maxDeliveryCount int
}

// TopologyOption configures a TopologyManager
type TopologyOption func(*TopologyManager)

// WithQueueType selects quorum or classic queues
func WithQueueType(queueType string) TopologyOption {
	return func(tm *TopologyManager) {
		tm.queueType = queueType
	}
}

// WithMaxDeliveryCount sets the delivery limit after which quorum queues
// dead-letter a message. 0 disables the limit.
func WithMaxDeliveryCount(n int) TopologyOption {
	return func(tm *TopologyManager) {
		tm.maxDeliveryCount = n
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(options ...TopologyOption) (*TopologyManager, error) {
	tm := &TopologyManager{
		queueType:        QueueTypeQuorum,
		maxDeliveryCount: 10,
	}
	for _, opt := range options {
		opt(tm)
	}

	if tm.queueType != QueueTypeQuorum && tm.queueType != QueueTypeClassic {
		return nil, fmt.Errorf("%w: queue type %q", ErrInvalidConfiguration, tm.queueType)
	}
	if tm.maxDeliveryCount < 0 {
		return nil, fmt.Errorf("%w: max delivery count %d", ErrInvalidConfiguration, tm.maxDeliveryCount)
	}
	return tm, nil
}

// For returns the declarations an entity needs
func (tm *TopologyManager) For(entity Entity) Topology {
	var topology Topology

	if entity.Exchange != "" {
		topology.Exchanges = append(topology.Exchanges, ExchangeDeclaration{
			Name:    entity.Exchange,
			Type:    amqp.ExchangeFanout,
			Durable: true,
		})
	}

	if entity.DeadLetterQueue != "" {
		topology.Queues = append(topology.Queues, tm.queue(entity.DeadLetterQueue, nil))
	}
	if entity.DeferredQueue != "" {
		topology.Queues = append(topology.Queues, tm.queue(entity.DeferredQueue, nil))
	}

	if entity.Queue != "" {
		var args amqp.Table
		if entity.DeadLetterQueue != "" {
			// the default exchange routes dead letters straight to the sub-queue
			args = amqp.Table{
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": entity.DeadLetterQueue,
			}
			if tm.queueType == QueueTypeQuorum && tm.maxDeliveryCount > 0 {
				args["x-delivery-limit"] = int64(tm.maxDeliveryCount)
			}
		}
		topology.Queues = append(topology.Queues, tm.queue(entity.Queue, args))
	}

	if entity.Exchange != "" && entity.Queue != "" {
		topology.Bindings = append(topology.Bindings, Binding{
			Queue:    entity.Queue,
			Exchange: entity.Exchange,
		})
	}

	return topology
}

// Declare declares the topology of entity on ch
func (tm *TopologyManager) Declare(ch Channel, entity Entity) error {
	topology := tm.For(entity)

	for _, exchange := range topology.Exchanges {
		if err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			false, // auto-delete
			false, // internal
			false, // no-wait
			exchange.Arguments,
		); err != nil {
			return topologyError("exchange", exchange.Name, err)
		}
	}

	for _, queue := range topology.Queues {
		if _, err := ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			queue.Arguments,
		); err != nil {
			return topologyError("queue", queue.Name, err)
		}
	}

	for _, binding := range topology.Bindings {
		if err := ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			nil,
		); err != nil {
			return topologyError("binding", binding.Queue+"->"+binding.Exchange, err)
		}
	}

	return nil
}

func (tm *TopologyManager) queue(name string, args amqp.Table) QueueDeclaration {
	if tm.queueType == QueueTypeQuorum {
		if args == nil {
			args = amqp.Table{}
		}
		args["x-queue-type"] = QueueTypeQuorum
	}
	return QueueDeclaration{Name: name, Durable: true, Arguments: args}
}

func topologyError(component, name string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        "declare",
		Err:       err,
		Timestamp: time.Now(),
	}
}
