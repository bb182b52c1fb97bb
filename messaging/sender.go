package messaging

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

// DefaultTimeToLive is applied to outgoing messages that carry no TTL
const DefaultTimeToLive = 5 * time.Minute

// Sender sends messages to one queue or topic
type Sender struct {
	conn       *SenderConnection
	defaultTTL time.Duration
	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer
}

// SenderOption configures a Sender
type SenderOption func(*Sender)

// WithDefaultTimeToLive sets the TTL applied when a message has none
func WithDefaultTimeToLive(ttl time.Duration) SenderOption {
	return func(s *Sender) {
		s.defaultTTL = ttl
	}
}

// WithSenderLogger sets the logger
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderMetrics sets the metrics collector
func WithSenderMetrics(metrics MetricsCollector) SenderOption {
	return func(s *Sender) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithSenderTracer sets the tracer
func WithSenderTracer(tracer trace.Tracer) SenderOption {
	return func(s *Sender) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewSender wraps an open sender connection
func NewSender(conn *SenderConnection, options ...SenderOption) *Sender {
	s := &Sender{
		conn:       conn,
		defaultTTL: DefaultTimeToLive,
		logger:     slog.Default(),
		metrics:    &NoOpMetricsCollector{},
		tracer:     defaultTracer(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// EntityPath returns the entity this sender sends to
func (s *Sender) EntityPath() string {
	return s.conn.EntityPath()
}

// Close closes the underlying connection
func (s *Sender) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Send transmits env. A message id is generated when env has none and is
// written back to env on success.
func (s *Sender) Send(ctx context.Context, env *contracts.Envelope) (err error) {
	if env == nil {
		return &contracts.ConfigurationError{Field: "envelope", Reason: "is required"}
	}

	out := s.prepare(env)

	ctx, span := startSpan(ctx, s.tracer, "servicebus.send", s.EntityPath(), trace.SpanKindProducer, envelopeAttributes(out)...)
	start := time.Now()
	defer func() {
		s.metrics.RecordSend(s.EntityPath(), 1, time.Since(start), err)
		endSpan(span, err)
	}()

	if s.conn.IsClosed() {
		return &contracts.SendError{Entity: s.EntityPath(), MessageID: out.MessageID, Err: contracts.ErrConnectionClosed}
	}

	if err := s.conn.link.Send(ctx, out); err != nil {
		s.logger.Error("failed to send message",
			"entity", s.EntityPath(),
			"messageId", out.MessageID,
			"error", err,
		)
		return &contracts.SendError{Entity: s.EntityPath(), MessageID: out.MessageID, Err: err}
	}

	env.MessageID = out.MessageID
	s.logger.Debug("message sent",
		"entity", s.EntityPath(),
		"messageId", out.MessageID,
		"contentType", out.ContentType,
	)
	return nil
}

// SendWithParameters builds a message from body, params and properties and
// sends it
func (s *Sender) SendWithParameters(ctx context.Context, body []byte, params contracts.Parameters, properties map[string]string) error {
	env, err := s.build(body, params, properties)
	if err != nil {
		return err
	}
	return s.Send(ctx, env)
}

// SendBatch sends exactly maxCount messages built from bodies[:maxCount] in
// one atomic transport batch. Each message gets a fresh id unless params
// carries messageId, in which case every message shares it.
func (s *Sender) SendBatch(ctx context.Context, bodies [][]byte, params contracts.Parameters, properties map[string]string, maxCount int) (err error) {
	if maxCount <= 0 {
		return &contracts.ConfigurationError{Field: "maxCount", Reason: "must be at least 1"}
	}

	ctx, span := startSpan(ctx, s.tracer, "servicebus.send_batch", s.EntityPath(), trace.SpanKindProducer,
		attribute.Int("messaging.batch.message_count", maxCount))
	start := time.Now()
	defer func() {
		s.metrics.RecordSend(s.EntityPath(), maxCount, time.Since(start), err)
		endSpan(span, err)
	}()

	if len(bodies) < maxCount {
		return &contracts.SendError{Entity: s.EntityPath(), Err: contracts.ErrInsufficientBodies}
	}
	if id, ok := params.MessageID(); ok {
		s.logger.Warn("batch shares one explicit message id",
			"entity", s.EntityPath(),
			"messageId", id,
			"count", maxCount,
		)
	}

	batch := make([]*contracts.Envelope, 0, maxCount)
	for _, body := range bodies[:maxCount] {
		env, err := s.build(body, params, properties)
		if err != nil {
			return err
		}
		batch = append(batch, s.prepare(env))
	}

	if s.conn.IsClosed() {
		return &contracts.SendError{Entity: s.EntityPath(), Err: contracts.ErrConnectionClosed}
	}

	if err := s.conn.link.SendBatch(ctx, batch); err != nil {
		s.logger.Error("failed to send batch",
			"entity", s.EntityPath(),
			"count", maxCount,
			"error", err,
		)
		return &contracts.SendError{Entity: s.EntityPath(), Err: err}
	}

	s.logger.Debug("batch sent", "entity", s.EntityPath(), "count", maxCount)
	return nil
}

func (s *Sender) build(body []byte, params contracts.Parameters, properties map[string]string) (*contracts.Envelope, error) {
	env := contracts.NewEnvelope(body)
	if err := params.Apply(env); err != nil {
		return nil, err
	}
	if len(properties) > 0 {
		env.Properties = maps.Clone(properties)
	}
	return env, nil
}

// prepare returns the copy of env that goes on the wire
func (s *Sender) prepare(env *contracts.Envelope) *contracts.Envelope {
	out := env.Clone()
	if out.MessageID == "" {
		out.MessageID = uuid.NewString()
	}
	if out.TimeToLive == 0 {
		out.TimeToLive = s.defaultTTL
	}
	out.LockToken = ""
	out.LockedUntil = time.Time{}
	out.SequenceNumber = 0
	out.DeliveryCount = 0
	out.EnqueuedAt = time.Time{}
	out.DeadLetterReason = ""
	out.DeadLetterDescription = ""
	return out
}
