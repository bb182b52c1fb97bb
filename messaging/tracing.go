package messaging

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

const tracerName = "github.com/glimte/servicebus-go/messaging"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan opens a span for an operation on an entity
func startSpan(ctx context.Context, tracer trace.Tracer, name, entity string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("messaging.system", "servicebus"),
		attribute.String("messaging.destination.name", entity),
	)
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// endSpan records err on the span and ends it
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func envelopeAttributes(env *contracts.Envelope) []attribute.KeyValue {
	if env == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("messaging.message.id", env.MessageID),
	}
	if env.CorrelationID != "" {
		attrs = append(attrs, attribute.String("messaging.message.conversation_id", env.CorrelationID))
	}
	if env.SequenceNumber > 0 {
		attrs = append(attrs, attribute.Int64("servicebus.sequence_number", env.SequenceNumber))
	}
	return attrs
}
