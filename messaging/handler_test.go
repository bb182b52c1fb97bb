package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
)

func TestCompletingHandler(t *testing.T) {
	env := contracts.NewEnvelope([]byte("x"))

	t.Run("success completes", func(t *testing.T) {
		h := CompletingHandler(func(context.Context, *contracts.Envelope) error { return nil })
		decision, err := h.Handle(context.Background(), env)
		require.NoError(t, err)
		assert.Equal(t, contracts.DispositionComplete, decision.Disposition)
	})

	t.Run("error abandons", func(t *testing.T) {
		boom := errors.New("boom")
		h := CompletingHandler(func(context.Context, *contracts.Envelope) error { return boom })
		decision, err := h.Handle(context.Background(), env)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, contracts.DispositionAbandon, decision.Disposition)
	})
}

func TestSettlerFromContext(t *testing.T) {
	_, ok := SettlerFromContext(context.Background())
	assert.False(t, ok)

	receiver := newMockReceiver(&mockReceiverLink{})
	settler, ok := SettlerFromContext(ContextWithSettler(context.Background(), receiver))
	require.True(t, ok)
	assert.Same(t, receiver, settler)
}

func TestInvokeRecoversPanics(t *testing.T) {
	h := HandlerFunc(func(context.Context, *contracts.Envelope) (contracts.Decision, error) {
		panic("handler exploded")
	})

	_, err := invoke(context.Background(), h, contracts.NewEnvelope(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
}
