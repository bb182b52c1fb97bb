// Package interceptors wraps listener handlers with cross-cutting behaviour.
//
// Every interceptor sees the received envelope and the Decision produced by
// the rest of the chain, and may replace that decision. Built-in interceptors:
//   - LoggingInterceptor: logs message processing with timing information
//   - MetricsInterceptor: records one dispatch per handler invocation
//   - TracingInterceptor: wraps the handler in an OpenTelemetry consumer span
//   - ValidationInterceptor: dead-letters messages that fail validation
//   - TimeoutInterceptor: bounds handler execution, abandoning on overrun
//   - ErrorHandlingInterceptor: maps handler errors to a decision (see DeadLetterAfter)
//   - FilteringInterceptor and ConditionalInterceptor: label, content type and
//     property based routing
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewErrorHandlingInterceptor(interceptors.DeadLetterAfter(5), logger)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second))
//
//	listener := messaging.NewListener(transport, messaging.WithInterceptors(chain))
package interceptors
