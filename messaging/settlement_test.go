package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
)

func TestReceiverSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent settlement reaches the broker once", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("Complete", mock.Anything, "tok-1").
			Run(func(mock.Arguments) { time.Sleep(10 * time.Millisecond) }).
			Return(nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, err := receiver.ReceiveOne(ctx, 0)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			results []error
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := receiver.Complete(ctx, got)
				mu.Lock()
				results = append(results, err)
				mu.Unlock()
			}()
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			var settleErr *contracts.SettlementError
			require.ErrorAs(t, err, &settleErr)
			assert.ErrorIs(t, err, contracts.ErrAlreadySettled)
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, contracts.LockCompleted, receiver.LockState("tok-1"))
		link.AssertExpectations(t)
	})

	t.Run("every later settlement on a settled token fails", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("Defer", mock.Anything, "tok-1").Return(nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, err := receiver.ReceiveOne(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, receiver.Defer(ctx, got))

		for name, settle := range map[string]func() error{
			"complete":   func() error { return receiver.Complete(ctx, got) },
			"abandon":    func() error { return receiver.Abandon(ctx, got) },
			"defer":      func() error { return receiver.Defer(ctx, got) },
			"deadletter": func() error { return receiver.DeadLetter(ctx, got, "r", "d") },
			"renew":      func() error { return receiver.RenewLock(ctx, got) },
		} {
			err := settle()
			assert.ErrorIs(t, err, contracts.ErrAlreadySettled, name)
		}
		link.AssertExpectations(t)
	})

	t.Run("transport failure leaves the token open", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		boom := errors.New("link detached")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("Abandon", mock.Anything, "tok-1").Return(boom).Once()
		link.On("Abandon", mock.Anything, "tok-1").Return(nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, _ := receiver.ReceiveOne(ctx, 0)

		err := receiver.Abandon(ctx, got)
		var settleErr *contracts.SettlementError
		require.ErrorAs(t, err, &settleErr)
		assert.Equal(t, "abandon", settleErr.Op)
		assert.Equal(t, "tok-1", settleErr.LockToken)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, contracts.LockOpen, receiver.LockState("tok-1"))

		require.NoError(t, receiver.Abandon(ctx, got))
		assert.Equal(t, contracts.LockAbandoned, receiver.LockState("tok-1"))
	})

	t.Run("lock loss expires the token", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("Complete", mock.Anything, "tok-1").Return(contracts.ErrLockLost).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, _ := receiver.ReceiveOne(ctx, 0)

		assert.ErrorIs(t, receiver.Complete(ctx, got), contracts.ErrLockLost)
		assert.Equal(t, contracts.LockExpired, receiver.LockState("tok-1"))
		assert.ErrorIs(t, receiver.Complete(ctx, got), contracts.ErrLockExpired)
		link.AssertExpectations(t)
	})

	t.Run("unknown token is rejected without a broker call", func(t *testing.T) {
		link := &mockReceiverLink{}
		receiver := newMockReceiver(link)

		err := receiver.Complete(ctx, lockedMessage("m1", "forged"))

		assert.ErrorIs(t, err, contracts.ErrLockTokenUnknown)
		link.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("envelope without lock token", func(t *testing.T) {
		receiver := newMockReceiver(&mockReceiverLink{})

		err := receiver.Complete(ctx, contracts.NewEnvelope([]byte("x")))
		assert.ErrorIs(t, err, contracts.ErrNotLocked)

		err = receiver.Complete(ctx, nil)
		assert.ErrorIs(t, err, contracts.ErrNotLocked)
	})

	t.Run("dead-letter forwards reason and description", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("DeadLetter", mock.Anything, "tok-1", "Invalid", "bad json").Return(nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, _ := receiver.ReceiveOne(ctx, 0)

		require.NoError(t, receiver.Settle(ctx, got, contracts.DeadLetter("Invalid", "bad json")))
		assert.Equal(t, contracts.LockDeadLettered, receiver.LockState("tok-1"))
		link.AssertExpectations(t)
	})

	t.Run("manual decision is a no-op", func(t *testing.T) {
		link := &mockReceiverLink{}
		receiver := newMockReceiver(link)

		assert.NoError(t, receiver.Settle(ctx, lockedMessage("m1", "tok-1"), contracts.Manual()))
		link.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
	})

	t.Run("renew lock updates expiry without settling", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		until := time.Now().Add(time.Minute)
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("RenewLock", mock.Anything, "tok-1").Return(until, nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, _ := receiver.ReceiveOne(ctx, 0)

		require.NoError(t, receiver.RenewLock(ctx, got))
		assert.Equal(t, until, got.LockedUntil)
		assert.Equal(t, contracts.LockOpen, receiver.LockState("tok-1"))
	})

	t.Run("settlement after close fails", func(t *testing.T) {
		link := &mockReceiverLink{}
		env := lockedMessage("m1", "tok-1")
		link.On("Receive", mock.Anything, time.Duration(0)).Return(env, nil).Once()
		link.On("Close", mock.Anything).Return(nil).Once()

		receiver := newMockReceiver(link, WithAutoSettle(false))
		got, _ := receiver.ReceiveOne(ctx, 0)
		require.NoError(t, receiver.Close(ctx))

		assert.ErrorIs(t, receiver.Complete(ctx, got), contracts.ErrConnectionClosed)
		_, err := receiver.ReceiveOne(ctx, 0)
		assert.ErrorIs(t, err, contracts.ErrConnectionClosed)

		var connErr *contracts.ConnectionError
		assert.ErrorAs(t, receiver.Close(ctx), &connErr)
	})
}

func TestReceiverConvenienceOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("defer message returns 0 when nothing is available", func(t *testing.T) {
		link := &mockReceiverLink{}
		link.On("Receive", mock.Anything, time.Duration(0)).Return(nil, nil).Once()

		seq, err := newMockReceiver(link).DeferMessage(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(0), seq)
	})

	t.Run("defer message returns the sequence number", func(t *testing.T) {
		link := &mockReceiverLink{}
		link.On("Receive", mock.Anything, time.Duration(0)).Return(lockedMessage("m1", "tok-1"), nil).Once()
		link.On("Defer", mock.Anything, "tok-1").Return(nil).Once()

		seq, err := newMockReceiver(link).DeferMessage(ctx)

		require.NoError(t, err)
		assert.Equal(t, int64(42), seq)
	})

	t.Run("complete one message reports absence", func(t *testing.T) {
		link := &mockReceiverLink{}
		link.On("Receive", mock.Anything, time.Duration(0)).Return(nil, nil).Once()

		found, err := newMockReceiver(link).CompleteOneMessage(ctx)

		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("complete messages trips the duplicate guard after completing", func(t *testing.T) {
		link := &mockReceiverLink{}
		link.On("Receive", mock.Anything, time.Duration(0)).Return(lockedMessage("same", "tok-1"), nil).Once()
		link.On("Receive", mock.Anything, time.Duration(0)).Return(lockedMessage("same", "tok-2"), nil).Once()
		link.On("Complete", mock.Anything, "tok-1").Return(nil).Once()
		link.On("Complete", mock.Anything, "tok-2").Return(nil).Once()

		metrics := &recordingMetrics{}
		completed, err := newMockReceiver(link, WithReceiverMetrics(metrics)).CompleteMessages(ctx)

		var dupErr *contracts.DuplicateMessageError
		require.ErrorAs(t, err, &dupErr)
		assert.Equal(t, "same", dupErr.MessageID)
		assert.Equal(t, 2, completed)
		assert.Equal(t, 1, metrics.duplicates)
		assert.Equal(t, []string{"complete", "complete"}, metrics.settlements)
		link.AssertExpectations(t)
	})

	t.Run("receive many never over-receives", func(t *testing.T) {
		link := &mockReceiverLink{}
		for _, id := range []string{"a", "b", "c"} {
			link.On("Receive", mock.Anything, time.Second).Return(lockedMessage(id, "tok-"+id), nil).Once()
			link.On("Complete", mock.Anything, "tok-"+id).Return(nil).Once()
		}

		envs, err := newMockReceiver(link).ReceiveMany(ctx, time.Second, 3)

		require.NoError(t, err)
		assert.Len(t, envs, 3)
		link.AssertNumberOfCalls(t, "Receive", 3)
	})

	t.Run("receive errors are wrapped", func(t *testing.T) {
		link := &mockReceiverLink{}
		boom := errors.New("socket reset")
		link.On("Receive", mock.Anything, time.Second).Return(nil, boom).Once()

		_, err := newMockReceiver(link).ReceiveOne(ctx, time.Second)

		var recvErr *contracts.ReceiveError
		require.ErrorAs(t, err, &recvErr)
		assert.Equal(t, "orders", recvErr.Entity)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("prefetch count is validated and forwarded", func(t *testing.T) {
		link := &mockReceiverLink{}
		link.On("SetPrefetchCount", 16).Return(nil).Once()
		receiver := newMockReceiver(link)

		var cfgErr *contracts.ConfigurationError
		assert.ErrorAs(t, receiver.SetPrefetchCount(-1), &cfgErr)
		require.NoError(t, receiver.SetPrefetchCount(16))
		assert.Equal(t, 16, receiver.Connection().PrefetchCount())
	})
}
