package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/glimte/servicebus-go/contracts"
)

// Mock handler
type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(contracts.Decision), args.Error(1)
}

type mockMetricsCollector struct {
	mock.Mock
}

func (m *mockMetricsCollector) RecordDispatch(service, entity string, decision string, duration time.Duration, err error) {
	m.Called(service, entity, decision, err)
}

func testEnvelope(id string) *contracts.Envelope {
	env := contracts.NewEnvelope([]byte("payload"))
	env.MessageID = id
	env.LockToken = "lock-" + id
	env.DeliveryCount = 1
	return env
}

func TestInterceptorChain(t *testing.T) {
	t.Run("NewInterceptorChain creates empty chain", func(t *testing.T) {
		logger := slog.Default()
		chain := NewInterceptorChain(logger)

		assert.NotNil(t, chain)
		assert.Equal(t, logger, chain.logger)
		assert.Empty(t, chain.interceptors)
		assert.Equal(t, 0, chain.Len())
	})

	t.Run("Add adds interceptor to chain", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		interceptor := NewLoggingInterceptor(nil)

		result := chain.Add(interceptor)

		assert.Equal(t, chain, result) // Fluent interface
		assert.Equal(t, []string{"LoggingInterceptor"}, chain.Names())
	})

	t.Run("Execute calls final handler when no interceptors", func(t *testing.T) {
		chain := NewInterceptorChain(nil)
		handler := &mockHandler{}
		env := testEnvelope("m1")

		handler.On("Handle", mock.Anything, env).Return(contracts.Complete(), nil)

		decision, err := chain.Execute(context.Background(), env, handler)

		assert.NoError(t, err)
		assert.Equal(t, contracts.DispositionComplete, decision.Disposition)
		handler.AssertExpectations(t)
	})

	t.Run("Execute runs interceptors in correct order", func(t *testing.T) {
		var order []string

		interceptor1 := NewInterceptorFunc("first", func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
			order = append(order, "first-start")
			d, err := next.Handle(ctx, env)
			order = append(order, "first-end")
			return d, err
		})

		interceptor2 := NewInterceptorFunc("second", func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
			order = append(order, "second-start")
			d, err := next.Handle(ctx, env)
			order = append(order, "second-end")
			return d, err
		})

		final := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			order = append(order, "handler")
			return contracts.Complete(), nil
		})

		chain := NewInterceptorChain(nil).Add(interceptor1).Add(interceptor2)
		_, err := chain.Execute(context.Background(), testEnvelope("m1"), final)

		require.NoError(t, err)
		assert.Equal(t, []string{"first-start", "second-start", "handler", "second-end", "first-end"}, order)
	})

	t.Run("Interceptor can replace the decision", func(t *testing.T) {
		override := NewInterceptorFunc("override", func(ctx context.Context, env *contracts.Envelope, next MessageHandler) (contracts.Decision, error) {
			if _, err := next.Handle(ctx, env); err != nil {
				return contracts.Abandon(), err
			}
			return contracts.Defer(), nil
		})
		handler := &mockHandler{}
		env := testEnvelope("m1")
		handler.On("Handle", mock.Anything, env).Return(contracts.Complete(), nil)

		decision, err := NewInterceptorChain(nil).Add(override).Execute(context.Background(), env, handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionDefer, decision.Disposition)
	})
}

func TestMetricsInterceptor(t *testing.T) {
	t.Run("records decision on success", func(t *testing.T) {
		collector := &mockMetricsCollector{}
		collector.On("RecordDispatch", "billing", "orders", "complete", nil).Once()

		handler := &mockHandler{}
		env := testEnvelope("m1")
		handler.On("Handle", mock.Anything, env).Return(contracts.Complete(), nil)

		_, err := NewMetricsInterceptor(collector, "billing", "orders").Intercept(context.Background(), env, handler)

		require.NoError(t, err)
		collector.AssertExpectations(t)
	})

	t.Run("records error outcome", func(t *testing.T) {
		boom := errors.New("boom")
		collector := &mockMetricsCollector{}
		collector.On("RecordDispatch", "billing", "orders", "error", boom).Once()

		handler := &mockHandler{}
		env := testEnvelope("m1")
		handler.On("Handle", mock.Anything, env).Return(contracts.Decision{}, boom)

		_, err := NewMetricsInterceptor(collector, "billing", "orders").Intercept(context.Background(), env, handler)

		assert.ErrorIs(t, err, boom)
		collector.AssertExpectations(t)
	})
}

func TestTracingInterceptor(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	interceptor := NewTracingInterceptor(provider.Tracer("test"), "orders")

	t.Run("records a consumer span with the decision", func(t *testing.T) {
		handler := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			return contracts.DeadLetter("bad", "bad payload"), nil
		})

		_, err := interceptor.Intercept(context.Background(), testEnvelope("m1"), handler)
		require.NoError(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "servicebus.process", spans[0].Name())

		attrs := map[string]string{}
		for _, kv := range spans[0].Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(t, "m1", attrs["messaging.message.id"])
		assert.Equal(t, "orders", attrs["messaging.destination.name"])
		assert.Equal(t, "deadletter(bad)", attrs["servicebus.decision"])
	})

	t.Run("marks span as error", func(t *testing.T) {
		handler := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			return contracts.Decision{}, errors.New("failed")
		})

		_, err := interceptor.Intercept(context.Background(), testEnvelope("m2"), handler)
		require.Error(t, err)

		spans := recorder.Ended()
		require.Len(t, spans, 2)
		assert.Equal(t, codes.Error, spans[1].Status().Code)
	})
}

type validatorFunc func(ctx context.Context, env *contracts.Envelope) error

func (f validatorFunc) Validate(ctx context.Context, env *contracts.Envelope) error {
	return f(ctx, env)
}

func TestValidationInterceptor(t *testing.T) {
	requireContentType := validatorFunc(func(ctx context.Context, env *contracts.Envelope) error {
		if env.ContentType == "" {
			return errors.New("content type missing")
		}
		return nil
	})
	interceptor := NewValidationInterceptor(requireContentType)

	t.Run("dead-letters invalid messages without calling handler", func(t *testing.T) {
		handler := &mockHandler{}

		decision, err := interceptor.Intercept(context.Background(), testEnvelope("m1"), handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionDeadLetter, decision.Disposition)
		assert.Equal(t, "ValidationFailed", decision.Reason)
		assert.Equal(t, "content type missing", decision.Description)
		handler.AssertNotCalled(t, "Handle")
	})

	t.Run("passes valid messages through", func(t *testing.T) {
		env := testEnvelope("m2")
		env.ContentType = "application/json"
		handler := &mockHandler{}
		handler.On("Handle", mock.Anything, env).Return(contracts.Complete(), nil)

		decision, err := interceptor.Intercept(context.Background(), env, handler)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionComplete, decision.Disposition)
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("abandons when handler overruns", func(t *testing.T) {
		slow := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return contracts.Complete(), nil
		})

		decision, err := NewTimeoutInterceptor(20*time.Millisecond).Intercept(context.Background(), testEnvelope("m1"), slow)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
		assert.Equal(t, contracts.DispositionAbandon, decision.Disposition)
	})

	t.Run("returns handler result when in time", func(t *testing.T) {
		fast := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			return contracts.Complete(), nil
		})

		decision, err := NewTimeoutInterceptor(time.Second).Intercept(context.Background(), testEnvelope("m1"), fast)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionComplete, decision.Disposition)
	})

	t.Run("turns a handler panic into an error", func(t *testing.T) {
		panicking := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
			panic("boom")
		})

		decision, err := NewTimeoutInterceptor(time.Second).Intercept(context.Background(), testEnvelope("m1"), panicking)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler panic: boom")
		assert.Equal(t, contracts.DispositionAbandon, decision.Disposition)
	})
}

func TestErrorHandlingInterceptor(t *testing.T) {
	interceptor := NewErrorHandlingInterceptor(DeadLetterAfter(3), nil)
	failing := MessageHandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
		return contracts.Complete(), errors.New("poison")
	})

	t.Run("abandons below the delivery limit", func(t *testing.T) {
		env := testEnvelope("m1")
		env.DeliveryCount = 2

		decision, err := interceptor.Intercept(context.Background(), env, failing)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionAbandon, decision.Disposition)
	})

	t.Run("dead-letters at the delivery limit", func(t *testing.T) {
		env := testEnvelope("m1")
		env.DeliveryCount = 3

		decision, err := interceptor.Intercept(context.Background(), env, failing)

		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionDeadLetter, decision.Disposition)
		assert.Equal(t, "MaxDeliveryCountExceeded", decision.Reason)
		assert.Equal(t, "poison", decision.Description)
	})
}
