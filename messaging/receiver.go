package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

// Receiver pulls messages from one entity in PeekLock mode and settles them
type Receiver struct {
	conn       *ReceiverConnection
	locks      *lockTracker
	autoSettle bool
	retention  time.Duration
	clock      func() time.Time
	received   atomic.Bool
	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithAutoSettle controls whether ReceiveOne, ReceiveMany and ReceiveBatch
// complete each message before returning it. Enabled by default.
func WithAutoSettle(enabled bool) ReceiverOption {
	return func(r *Receiver) {
		r.autoSettle = enabled
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(metrics MetricsCollector) ReceiverOption {
	return func(r *Receiver) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// WithReceiverTracer sets the tracer
func WithReceiverTracer(tracer trace.Tracer) ReceiverOption {
	return func(r *Receiver) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// WithLockRetention sets how long settled lock tokens are remembered
func WithLockRetention(retention time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.retention = retention
	}
}

func withReceiverClock(clock func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		r.clock = clock
	}
}

// NewReceiver wraps an open receiver connection
func NewReceiver(conn *ReceiverConnection, options ...ReceiverOption) *Receiver {
	r := &Receiver{
		conn:       conn,
		autoSettle: true,
		retention:  DefaultLockRetention,
		clock:      time.Now,
		logger:     slog.Default(),
		metrics:    &NoOpMetricsCollector{},
		tracer:     defaultTracer(),
	}
	for _, opt := range options {
		opt(r)
	}
	r.locks = newLockTracker(r.retention, r.clock)
	return r
}

// EntityPath returns the entity this receiver reads from
func (r *Receiver) EntityPath() string {
	return r.conn.EntityPath()
}

// Connection returns the underlying receiver connection
func (r *Receiver) Connection() *ReceiverConnection {
	return r.conn
}

// AutoSettle reports whether pull operations complete messages themselves
func (r *Receiver) AutoSettle() bool {
	return r.autoSettle
}

// Close closes the underlying connection
func (r *Receiver) Close(ctx context.Context) error {
	return r.conn.Close(ctx)
}

// SetPrefetchCount changes the client side read-ahead. It only takes effect
// deterministically before the first receive.
func (r *Receiver) SetPrefetchCount(count int) error {
	if r.received.Load() {
		r.logger.Warn("prefetch count changed after first receive",
			"entity", r.EntityPath(),
			"prefetchCount", count,
		)
	}
	return r.conn.setPrefetchCount(count)
}

// ReceiveOne waits up to wait for a single message. It returns nil, nil when
// nothing arrives in time. A wait <= 0 uses the transport default.
func (r *Receiver) ReceiveOne(ctx context.Context, wait time.Duration) (env *contracts.Envelope, err error) {
	ctx, span := startSpan(ctx, r.tracer, "servicebus.receive", r.EntityPath(), trace.SpanKindConsumer)
	start := time.Now()
	defer func() {
		r.metrics.RecordReceive(r.EntityPath(), countOf(env), time.Since(start), err)
		endSpan(span, err)
	}()

	env, err = r.receive(ctx, wait)
	if err != nil || env == nil {
		return nil, err
	}
	span.SetAttributes(envelopeAttributes(env)...)

	if r.autoSettle {
		if err = r.settle(ctx, env, contracts.Complete()); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// ReceiveMany receives up to maxCount messages, waiting up to wait for each,
// and stops at the first empty receive. Two consecutive messages with the same
// message id abort the call with a DuplicateMessageError. On error the
// envelopes collected so far are returned alongside it.
func (r *Receiver) ReceiveMany(ctx context.Context, wait time.Duration, maxCount int) (envs []*contracts.Envelope, err error) {
	if maxCount < 1 {
		return nil, &contracts.ConfigurationError{Field: "maxCount", Reason: "must be at least 1"}
	}

	ctx, span := startSpan(ctx, r.tracer, "servicebus.receive_many", r.EntityPath(), trace.SpanKindConsumer,
		attribute.Int("servicebus.max_count", maxCount))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(envs)))
		r.metrics.RecordReceive(r.EntityPath(), len(envs), time.Since(start), err)
		endSpan(span, err)
	}()

	return r.collect(ctx, wait, maxCount, true)
}

// ReceiveBatch makes maxCount receive attempts with the transport default
// wait. Empty attempts are skipped but still count against maxCount.
func (r *Receiver) ReceiveBatch(ctx context.Context, maxCount int) (envs []*contracts.Envelope, err error) {
	if maxCount < 1 {
		return nil, &contracts.ConfigurationError{Field: "maxCount", Reason: "must be at least 1"}
	}

	ctx, span := startSpan(ctx, r.tracer, "servicebus.receive_batch", r.EntityPath(), trace.SpanKindConsumer,
		attribute.Int("servicebus.max_count", maxCount))
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(envs)))
		r.metrics.RecordReceive(r.EntityPath(), len(envs), time.Since(start), err)
		endSpan(span, err)
	}()

	return r.collect(ctx, 0, maxCount, false)
}

// ReceiveDeferredMessage fetches a deferred message by sequence number. The
// returned envelope is locked and must be settled explicitly. It returns
// nil, nil when the message no longer exists.
func (r *Receiver) ReceiveDeferredMessage(ctx context.Context, sequenceNumber int64) (env *contracts.Envelope, err error) {
	if sequenceNumber <= 0 {
		return nil, &contracts.ConfigurationError{Field: "sequenceNumber", Reason: "must be positive"}
	}

	ctx, span := startSpan(ctx, r.tracer, "servicebus.receive_deferred", r.EntityPath(), trace.SpanKindConsumer,
		attribute.Int64("servicebus.sequence_number", sequenceNumber))
	start := time.Now()
	defer func() {
		r.metrics.RecordReceive(r.EntityPath(), countOf(env), time.Since(start), err)
		endSpan(span, err)
	}()

	if r.conn.IsClosed() {
		return nil, &contracts.ReceiveError{Entity: r.EntityPath(), Err: contracts.ErrConnectionClosed}
	}

	env, err = r.conn.link.ReceiveDeferred(ctx, sequenceNumber)
	if err != nil {
		return nil, &contracts.ReceiveError{Entity: r.EntityPath(), Err: err}
	}
	if env == nil {
		r.logger.Debug("deferred message not found",
			"entity", r.EntityPath(),
			"sequenceNumber", sequenceNumber,
		)
		return nil, nil
	}
	r.locks.track(env)
	return env, nil
}

// LockState returns the settlement state of a lock token handed out by this receiver
func (r *Receiver) LockState(lockToken string) contracts.LockState {
	return r.locks.state(lockToken)
}

// PendingLocks returns how many received messages still await settlement
func (r *Receiver) PendingLocks() int {
	return r.locks.openTokens()
}

func (r *Receiver) collect(ctx context.Context, wait time.Duration, maxCount int, stopOnEmpty bool) ([]*contracts.Envelope, error) {
	envs := make([]*contracts.Envelope, 0, maxCount)
	var guard duplicateGuard

	for attempt := 0; len(envs) < maxCount && (stopOnEmpty || attempt < maxCount); attempt++ {
		env, err := r.receive(ctx, wait)
		if err != nil {
			return envs, err
		}
		if env == nil {
			if stopOnEmpty {
				break
			}
			continue
		}

		if r.autoSettle {
			if err := r.settle(ctx, env, contracts.Complete()); err != nil {
				return envs, err
			}
		}

		if guard.repeated(env.MessageID) {
			return envs, r.duplicate(ctx, env)
		}
		envs = append(envs, env)
	}

	return envs, nil
}

// duplicate reports a duplicate guard trip. An unsettled duplicate is
// abandoned so it does not sit locked until expiry.
func (r *Receiver) duplicate(ctx context.Context, env *contracts.Envelope) error {
	r.metrics.RecordDuplicate(r.EntityPath())
	r.logger.Warn("duplicate message received",
		"entity", r.EntityPath(),
		"messageId", env.MessageID,
		"sequenceNumber", env.SequenceNumber,
	)

	if r.locks.state(env.LockToken) == contracts.LockOpen {
		if err := r.settle(ctx, env, contracts.Abandon()); err != nil {
			r.logger.Warn("failed to release duplicate message",
				"entity", r.EntityPath(),
				"messageId", env.MessageID,
				"error", err,
			)
		}
	}
	return &contracts.DuplicateMessageError{Entity: r.EntityPath(), MessageID: env.MessageID}
}

// receive performs one transport receive and tracks the lock of whatever arrived
func (r *Receiver) receive(ctx context.Context, wait time.Duration) (*contracts.Envelope, error) {
	if r.conn.IsClosed() {
		return nil, &contracts.ReceiveError{Entity: r.EntityPath(), Err: contracts.ErrConnectionClosed}
	}
	r.received.Store(true)

	env, err := r.conn.link.Receive(ctx, wait)
	if err != nil {
		if r.conn.IsClosed() && !errors.Is(err, contracts.ErrConnectionClosed) {
			err = fmt.Errorf("%w: %w", contracts.ErrConnectionClosed, err)
		}
		return nil, &contracts.ReceiveError{Entity: r.EntityPath(), Err: err}
	}
	if env != nil {
		r.locks.track(env)
		r.logger.Debug("message received",
			"entity", r.EntityPath(),
			"messageId", env.MessageID,
			"sequenceNumber", env.SequenceNumber,
			"deliveryCount", env.DeliveryCount,
		)
	}
	return env, nil
}

// duplicateGuard compares each message id against the previous one only
type duplicateGuard struct {
	last string
}

func (g *duplicateGuard) repeated(messageID string) bool {
	if messageID == "" {
		return false
	}
	dup := messageID == g.last
	g.last = messageID
	return dup
}

func countOf(env *contracts.Envelope) int {
	if env == nil {
		return 0
	}
	return 1
}
