package messaging

import (
	"context"

	"github.com/glimte/servicebus-go/contracts"
)

// Handler processes one delivered message and decides how it is settled.
// Returning an error abandons the message regardless of the decision.
type Handler interface {
	Handle(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error)

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
	return f(ctx, env)
}

// CompletingHandler adapts a plain processing function: success completes
// the message, an error abandons it
func CompletingHandler(fn func(ctx context.Context, env *contracts.Envelope) error) Handler {
	return HandlerFunc(func(ctx context.Context, env *contracts.Envelope) (contracts.Decision, error) {
		if err := fn(ctx, env); err != nil {
			return contracts.Abandon(), err
		}
		return contracts.Complete(), nil
	})
}

type settlerKey struct{}

// ContextWithSettler returns a context carrying s
func ContextWithSettler(ctx context.Context, s Settler) context.Context {
	return context.WithValue(ctx, settlerKey{}, s)
}

// SettlerFromContext returns the Settler a listener attached to a handler
// context. Handlers that settle through it must return contracts.Manual().
func SettlerFromContext(ctx context.Context) (Settler, bool) {
	s, ok := ctx.Value(settlerKey{}).(Settler)
	return s, ok
}
