// Package rabbitmq holds the AMQP 0-9-1 building blocks of the RabbitMQ
// transport: a single-attempt ConnectionManager, a confirm-mode Publisher,
// a manual-ack Consumer, the TopologyManager that lays out the exchanges and
// queues behind an entity path, and the mapping between envelopes and AMQP
// messages.
//
// Every entity is a fanout exchange bound to a queue of the same name, plus
// a dead-letter queue and a queue holding deferred messages. Subscriptions
// are queues bound to their topic's exchange.
package rabbitmq
