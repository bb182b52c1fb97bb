// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/config"
	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/health"
	"github.com/glimte/servicebus-go/messaging"
	"github.com/glimte/servicebus-go/transports/memory"
	rabbitmqTransport "github.com/glimte/servicebus-go/transports/rabbitmq"
)

// Client provides the main entry point for servicebus-go. It binds one
// transport to one connection string and hands out senders, receivers and
// listeners that share its logger, metrics and tracer.
type Client struct {
	transport        messaging.Transport
	connectionString string
	logger           *slog.Logger
	metrics          messaging.MetricsCollector
	tracer           trace.Tracer
	prefetchCount    int
	defaultTTL       time.Duration
	autoSettle       bool
	ownsTransport    bool
}

// NewClient creates a client for connectionString. Without WithTransport the
// client uses a RabbitMQ transport it owns and closes.
func NewClient(connectionString string, options ...ClientOption) (*Client, error) {
	if strings.TrimSpace(connectionString) == "" {
		return nil, &contracts.ConfigurationError{Field: "connectionString", Reason: "is required"}
	}

	cfg := &clientConfig{
		logger:     slog.Default(),
		autoSettle: true,
	}
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.prefetchCount < 0 {
		return nil, &contracts.ConfigurationError{Field: "prefetchCount", Reason: "must not be negative"}
	}

	transport := cfg.transport
	owns := false
	if transport == nil {
		transportOpts := append([]rabbitmqTransport.TransportOption{
			rabbitmqTransport.WithLogger(cfg.logger),
		}, cfg.rabbitmqOptions...)
		transport = rabbitmqTransport.NewTransport(transportOpts...)
		owns = true
	}

	return &Client{
		transport:        transport,
		connectionString: connectionString,
		logger:           cfg.logger,
		metrics:          cfg.metrics,
		tracer:           cfg.tracer,
		prefetchCount:    cfg.prefetchCount,
		defaultTTL:       cfg.defaultTTL,
		autoSettle:       cfg.autoSettle,
		ownsTransport:    owns || cfg.ownsTransport,
	}, nil
}

// NewClientFromConfig creates a client from environment settings. The
// transport named by cfg.Transport is created and owned by the client unless
// options supply one with WithTransport, in which case no transport is built
// and the caller keeps ownership.
func NewClientFromConfig(cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.Default()
	probe := &clientConfig{}
	for _, opt := range options {
		opt(probe)
	}
	if probe.logger != nil {
		logger = probe.logger
	}

	defaults := []ClientOption{
		WithPrefetchCount(cfg.PrefetchCount),
		WithDefaultTimeToLive(cfg.DefaultTimeToLive()),
		WithAutoSettle(cfg.AutoSettle),
	}
	if probe.transport != nil {
		return NewClient(cfg.ConnectionString, append(defaults, options...)...)
	}

	var transport messaging.Transport
	switch cfg.Transport {
	case config.TransportMemory:
		transport = memory.NewBroker(
			memory.WithLogger(logger),
			memory.WithLockDuration(cfg.LockDuration),
			memory.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
			memory.WithDefaultWait(cfg.ServerWaitTime),
		)
	default:
		transport = rabbitmqTransport.NewTransport(
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithLockDuration(cfg.LockDuration),
			rabbitmqTransport.WithDefaultWait(cfg.ServerWaitTime),
			rabbitmqTransport.WithQueueType(cfg.QueueType),
			rabbitmqTransport.WithMaxDeliveryCount(cfg.MaxDeliveryCount),
			rabbitmqTransport.WithTopics(cfg.Topics...),
		)
	}

	defaults = append(defaults, withOwnedTransport(transport))
	return NewClient(cfg.ConnectionString, append(defaults, options...)...)
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Connection returns the connection settings for entityPath
func (c *Client) Connection(entityPath string) messaging.ConnectionConfig {
	return messaging.ConnectionConfig{
		ConnectionString: c.connectionString,
		EntityPath:       entityPath,
	}
}

// NewSender opens a sender on entityPath. Options are applied after the
// client defaults.
func (c *Client) NewSender(ctx context.Context, entityPath string, options ...messaging.SenderOption) (*messaging.Sender, error) {
	conn, err := messaging.OpenSender(ctx, c.transport, c.Connection(entityPath),
		messaging.WithConnectionLogger(c.logger))
	if err != nil {
		return nil, err
	}

	opts := []messaging.SenderOption{messaging.WithSenderLogger(c.logger)}
	if c.defaultTTL > 0 {
		opts = append(opts, messaging.WithDefaultTimeToLive(c.defaultTTL))
	}
	if c.metrics != nil {
		opts = append(opts, messaging.WithSenderMetrics(c.metrics))
	}
	if c.tracer != nil {
		opts = append(opts, messaging.WithSenderTracer(c.tracer))
	}

	return messaging.NewSender(conn, append(opts, options...)...), nil
}

// NewReceiver opens a PeekLock receiver on entityPath with the client's
// prefetch count
func (c *Client) NewReceiver(ctx context.Context, entityPath string, options ...messaging.ReceiverOption) (*messaging.Receiver, error) {
	conn, err := messaging.OpenReceiver(ctx, c.transport, c.Connection(entityPath),
		messaging.WithPrefetchCount(c.prefetchCount),
		messaging.WithConnectionLogger(c.logger))
	if err != nil {
		return nil, err
	}

	opts := []messaging.ReceiverOption{
		messaging.WithReceiverLogger(c.logger),
		messaging.WithAutoSettle(c.autoSettle),
	}
	if c.metrics != nil {
		opts = append(opts, messaging.WithReceiverMetrics(c.metrics))
	}
	if c.tracer != nil {
		opts = append(opts, messaging.WithReceiverTracer(c.tracer))
	}

	return messaging.NewReceiver(conn, append(opts, options...)...), nil
}

// NewListener creates a listener on the client's transport
func (c *Client) NewListener(options ...messaging.ListenerOption) *messaging.Listener {
	opts := []messaging.ListenerOption{messaging.WithListenerLogger(c.logger)}
	if c.metrics != nil {
		opts = append(opts, messaging.WithListenerMetrics(c.metrics))
	}
	if c.tracer != nil {
		opts = append(opts, messaging.WithListenerTracer(c.tracer))
	}
	return messaging.NewListener(c.transport, append(opts, options...)...)
}

// Service describes a listener service on entityPath with the client's
// prefetch count
func (c *Client) Service(name, entityPath string, handler messaging.Handler) messaging.Service {
	return messaging.Service{
		Name:          name,
		Config:        c.Connection(entityPath),
		Handler:       handler,
		PrefetchCount: c.prefetchCount,
	}
}

// Ping probes the broker. Transports that cannot be probed report
// contracts.ErrUnsupported.
func (c *Client) Ping(ctx context.Context) error {
	pinger, ok := c.transport.(health.Pinger)
	if !ok {
		return fmt.Errorf("ping: %w", contracts.ErrUnsupported)
	}
	if err := pinger.Ping(ctx, c.connectionString); err != nil {
		return &contracts.ConnectionError{Op: "ping", Err: err}
	}
	return nil
}

// HealthRegistry returns a registry with the broker check plus one check
// per listener
func (c *Client) HealthRegistry(listeners ...*messaging.Listener) *health.Registry {
	registry := health.NewRegistry()
	if pinger, ok := c.transport.(health.Pinger); ok {
		registry.Register(health.NewTransportChecker(pinger, c.connectionString))
	}
	for _, l := range listeners {
		registry.Register(health.NewListenerChecker(l))
	}
	return registry
}

// Close releases the transport when the client created it
func (c *Client) Close() error {
	if !c.ownsTransport {
		return nil
	}
	if closer, ok := c.transport.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	metrics         messaging.MetricsCollector
	tracer          trace.Tracer
	transport       messaging.Transport
	ownsTransport   bool
	rabbitmqOptions []rabbitmqTransport.TransportOption
	prefetchCount   int
	defaultTTL      time.Duration
	autoSettle      bool
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTracer sets the tracer for all components
func WithTracer(tracer trace.Tracer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.tracer = tracer
	}
}

// WithTransport uses transport instead of the default RabbitMQ transport.
// The caller keeps ownership: Close does not close it.
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
		cfg.ownsTransport = false
	}
}

func withOwnedTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
		cfg.ownsTransport = true
	}
}

// WithRabbitMQOptions configures the default RabbitMQ transport. Ignored
// when WithTransport is used.
func WithRabbitMQOptions(options ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.rabbitmqOptions = append(cfg.rabbitmqOptions, options...)
	}
}

// WithPrefetchCount sets the prefetch count of receivers and listener services
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithDefaultTimeToLive sets the TTL senders apply to envelopes without one
func WithDefaultTimeToLive(ttl time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaultTTL = ttl
	}
}

// WithAutoSettle sets whether receivers complete messages before returning
// them. The default is true.
func WithAutoSettle(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.autoSettle = enabled
	}
}
