package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error)
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error)

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
	return f(ctx, env)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	return i.fn(ctx, env, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.interceptors)
}

// Names returns interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Wrap returns finalHandler decorated by every interceptor. The first
// interceptor added runs outermost.
func (c *InterceptorChain) Wrap(finalHandler MessageHandler) MessageHandler {
	if c.Len() == 0 {
		return finalHandler
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			return interceptor.Intercept(ctx, env, currentHandler)
		})
	}
	return handler
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, env *contracts.Envelope, finalHandler MessageHandler) (contracts.Decision, error) {
	return c.Wrap(finalHandler).Handle(ctx, env)
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	start := time.Now()

	i.logger.Info("processing message",
		"messageId", env.MessageID,
		"label", env.Label,
		"correlationId", env.CorrelationID,
		"deliveryCount", env.DeliveryCount,
	)

	decision, err := next.Handle(ctx, env)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", env.MessageID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", env.MessageID,
			"decision", decision.String(),
			"duration", duration,
		)
	}

	return decision, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector defines the interface for collecting handler metrics
type MetricsCollector interface {
	RecordDispatch(service, entity string, decision string, duration time.Duration, err error)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
	service   string
	entity    string
}

// NewMetricsInterceptor creates a new metrics interceptor for one service
func NewMetricsInterceptor(collector MetricsCollector, service, entity string) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector, service: service, entity: entity}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	start := time.Now()

	decision, err := next.Handle(ctx, env)

	outcome := decision.Disposition.String()
	if err != nil {
		outcome = "error"
	}
	i.collector.RecordDispatch(i.service, i.entity, outcome, time.Since(start), err)

	return decision, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TracingInterceptor wraps each handler invocation in a span
type TracingInterceptor struct {
	tracer trace.Tracer
	entity string
}

// NewTracingInterceptor creates a new tracing interceptor. A nil tracer uses
// the global provider.
func NewTracingInterceptor(tracer trace.Tracer, entity string) *TracingInterceptor {
	if tracer == nil {
		tracer = otel.Tracer("github.com/glimte/servicebus-go/interceptors")
	}
	return &TracingInterceptor{tracer: tracer, entity: entity}
}

// Intercept implements Interceptor
func (i *TracingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	spanCtx, span := i.tracer.Start(ctx, "servicebus.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "servicebus"),
			attribute.String("messaging.destination.name", i.entity),
			attribute.String("messaging.message.id", env.MessageID),
			attribute.Int("servicebus.delivery_count", env.DeliveryCount),
		),
	)
	defer span.End()

	decision, err := next.Handle(spanCtx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return decision, err
	}

	span.SetAttributes(attribute.String("servicebus.decision", decision.String()))
	return decision, nil
}

// Name implements Interceptor
func (i *TracingInterceptor) Name() string {
	return "TracingInterceptor"
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, env *contracts.Envelope) error
}

// ValidationInterceptor dead-letters messages that fail validation instead
// of handing them to the handler
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	if err := i.validator.Validate(ctx, env); err != nil {
		return contracts.DeadLetter("ValidationFailed", err.Error()), nil
	}

	return next.Handle(ctx, env)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// TimeoutInterceptor bounds handler execution. A handler that overruns is
// reported as failed, which leads to an abandon.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	type result struct {
		decision contracts.Decision
		err      error
	}
	done := make(chan result, 1)
	go func() {
		// the handler runs off the caller's goroutine, so its panic has to
		// be turned into an error here
		defer func() {
			if r := recover(); r != nil {
				done <- result{decision: contracts.Abandon(), err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		decision, err := next.Handle(timeoutCtx, env)
		done <- result{decision: decision, err: err}
	}()

	select {
	case r := <-done:
		return r.decision, r.err
	case <-timeoutCtx.Done():
		return contracts.Abandon(), fmt.Errorf("message processing timeout after %v for message %s", i.timeout, env.MessageID)
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ErrorHandler maps a handler failure to a decision
type ErrorHandler interface {
	HandleError(ctx context.Context, env *contracts.Envelope, err error) contracts.Decision
}

// ErrorHandlerFunc is a function adapter for ErrorHandler
type ErrorHandlerFunc func(ctx context.Context, env *contracts.Envelope, err error) contracts.Decision

// HandleError implements ErrorHandler
func (f ErrorHandlerFunc) HandleError(ctx context.Context, env *contracts.Envelope, err error) contracts.Decision {
	return f(ctx, env, err)
}

// ErrorHandlingInterceptor turns handler errors into an explicit decision,
// for example dead-lettering poison messages after a few deliveries
type ErrorHandlingInterceptor struct {
	errorHandler ErrorHandler
	logger       *slog.Logger
}

// NewErrorHandlingInterceptor creates a new error handling interceptor
func NewErrorHandlingInterceptor(errorHandler ErrorHandler, logger *slog.Logger) *ErrorHandlingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorHandlingInterceptor{
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *ErrorHandlingInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
	decision, err := next.Handle(ctx, env)
	if err == nil {
		return decision, nil
	}

	i.logger.Error("message processing error",
		"messageId", env.MessageID,
		"deliveryCount", env.DeliveryCount,
		"error", err,
	)

	// Let error handler decide how to handle the error
	return i.errorHandler.HandleError(ctx, env, err), nil
}

// Name implements Interceptor
func (i *ErrorHandlingInterceptor) Name() string {
	return "ErrorHandlingInterceptor"
}

// DeadLetterAfter returns an ErrorHandler that dead-letters a failing message
// once it has been delivered maxDeliveries times and abandons it otherwise
func DeadLetterAfter(maxDeliveries int) ErrorHandler {
	return ErrorHandlerFunc(func(ctx context.Context, env *contracts.Envelope, err error) contracts.Decision {
		if env.DeliveryCount >= maxDeliveries {
			return contracts.DeadLetter("MaxDeliveryCountExceeded", err.Error())
		}
		return contracts.Abandon()
	})
}
