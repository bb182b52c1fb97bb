package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

func openLinks(t *testing.T, b *Broker, path string) (messaging.SenderLink, messaging.ReceiverLink) {
	t.Helper()
	ctx := context.Background()

	sender, err := b.OpenSender(ctx, "memory://", path)
	require.NoError(t, err)
	receiver, err := b.OpenReceiver(ctx, "memory://", path, messaging.ReceiverLinkOptions{Mode: contracts.PeekLock})
	require.NoError(t, err)
	return sender, receiver
}

func envelope(id, body string) *contracts.Envelope {
	env := contracts.NewEnvelope([]byte(body))
	env.MessageID = id
	return env
}

func TestBrokerReceive(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns lock token and sequence numbers in order", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")

		require.NoError(t, sender.Send(ctx, envelope("a", "1")))
		require.NoError(t, sender.Send(ctx, envelope("b", "2")))

		first, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, first)
		second, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, second)

		assert.Equal(t, "a", first.MessageID)
		assert.Equal(t, int64(1), first.SequenceNumber)
		assert.Equal(t, int64(2), second.SequenceNumber)
		assert.NotEmpty(t, first.LockToken)
		assert.NotEqual(t, first.LockToken, second.LockToken)
		assert.Equal(t, 1, first.DeliveryCount)
		assert.False(t, first.LockedUntil.IsZero())
		assert.False(t, first.EnqueuedAt.IsZero())
	})

	t.Run("returns nil on timeout", func(t *testing.T) {
		b := NewBroker()
		_, receiver := openLinks(t, b, "empty")

		start := time.Now()
		env, err := receiver.Receive(ctx, 30*time.Millisecond)

		require.NoError(t, err)
		assert.Nil(t, env)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("wakes up when a message arrives", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = sender.Send(ctx, envelope("late", "x"))
		}()

		env, err := receiver.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, env)
		assert.Equal(t, "late", env.MessageID)
	})

	t.Run("close unblocks a pending receive", func(t *testing.T) {
		b := NewBroker()
		_, receiver := openLinks(t, b, "orders")

		errCh := make(chan error, 1)
		go func() {
			_, err := receiver.Receive(ctx, time.Minute)
			errCh <- err
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, receiver.Close(ctx))

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, contracts.ErrConnectionClosed)
		case <-time.After(time.Second):
			t.Fatal("receive was not unblocked by close")
		}
		assert.ErrorIs(t, receiver.Close(ctx), contracts.ErrConnectionClosed)
	})

	t.Run("context cancellation unblocks a pending receive", func(t *testing.T) {
		b := NewBroker()
		_, receiver := openLinks(t, b, "orders")

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err := receiver.Receive(cctx, time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("drops messages whose time to live elapsed", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")

		short := envelope("short", "x")
		short.TimeToLive = 10 * time.Millisecond
		require.NoError(t, sender.Send(ctx, short))
		time.Sleep(20 * time.Millisecond)

		env, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, env)
	})
}

func TestBrokerSettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("complete removes the message", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, receiver.Complete(ctx, env.LockToken))

		assert.Equal(t, EntityStats{}, b.Stats("orders"))
		assert.ErrorIs(t, receiver.Complete(ctx, env.LockToken), contracts.ErrLockLost)
	})

	t.Run("abandon redelivers with higher delivery count", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, _ := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, receiver.Abandon(ctx, env.LockToken))

		again, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "a", again.MessageID)
		assert.Equal(t, 2, again.DeliveryCount)
		assert.NotEqual(t, env.LockToken, again.LockToken)
	})

	t.Run("expired lock returns the message and invalidates the token", func(t *testing.T) {
		b := NewBroker(WithLockDuration(20 * time.Millisecond))
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, _ := receiver.Receive(ctx, 10*time.Millisecond)
		require.NotNil(t, env)

		again, err := receiver.Receive(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, "a", again.MessageID)

		assert.ErrorIs(t, receiver.Complete(ctx, env.LockToken), contracts.ErrLockLost)
		assert.NoError(t, receiver.Complete(ctx, again.LockToken))
	})

	t.Run("renew lock extends expiry", func(t *testing.T) {
		b := NewBroker(WithLockDuration(time.Minute))
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, _ := receiver.Receive(ctx, 10*time.Millisecond)
		lockedUntil, err := receiver.RenewLock(ctx, env.LockToken)

		require.NoError(t, err)
		assert.False(t, lockedUntil.Before(env.LockedUntil))
	})

	t.Run("deferred message is only reachable by sequence number", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, _ := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, receiver.Defer(ctx, env.LockToken))

		none, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, none)
		assert.Equal(t, 1, b.Stats("orders").Deferred)

		deferred, err := receiver.ReceiveDeferred(ctx, env.SequenceNumber)
		require.NoError(t, err)
		require.NotNil(t, deferred)
		assert.Equal(t, "a", deferred.MessageID)
		assert.NotEmpty(t, deferred.LockToken)

		require.NoError(t, receiver.Complete(ctx, deferred.LockToken))
		gone, err := receiver.ReceiveDeferred(ctx, env.SequenceNumber)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("dead-lettered message lands in the sub-queue with reason", func(t *testing.T) {
		b := NewBroker()
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		env, _ := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, receiver.DeadLetter(ctx, env.LockToken, "Invalid", "missing field"))

		dlq, err := b.OpenReceiver(ctx, "memory://", contracts.DeadLetterPath("orders"), messaging.ReceiverLinkOptions{Mode: contracts.PeekLock})
		require.NoError(t, err)

		dead, err := dlq.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, dead)
		assert.Equal(t, "a", dead.MessageID)
		assert.Equal(t, "Invalid", dead.DeadLetterReason)
		assert.Equal(t, "missing field", dead.DeadLetterDescription)
	})

	t.Run("poison message is dead-lettered after max delivery count", func(t *testing.T) {
		b := NewBroker(WithMaxDeliveryCount(2))
		sender, receiver := openLinks(t, b, "orders")
		require.NoError(t, sender.Send(ctx, envelope("a", "1")))

		for i := 0; i < 2; i++ {
			env, err := receiver.Receive(ctx, 10*time.Millisecond)
			require.NoError(t, err)
			require.NotNil(t, env)
			require.NoError(t, receiver.Abandon(ctx, env.LockToken))
		}

		env, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, env)
		assert.Equal(t, 1, b.Stats(contracts.DeadLetterPath("orders")).Active)
	})
}

func TestBrokerTopics(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	b.CreateSubscription("events", "audit")
	b.CreateSubscription("events", "billing")

	sender, err := b.OpenSender(ctx, "memory://", "events")
	require.NoError(t, err)
	require.NoError(t, sender.SendBatch(ctx, []*contracts.Envelope{envelope("a", "1"), envelope("b", "2")}))

	for _, sub := range []string{"audit", "billing"} {
		receiver, err := b.OpenReceiver(ctx, "memory://", contracts.SubscriptionPath("events", sub), messaging.ReceiverLinkOptions{Mode: contracts.PeekLock})
		require.NoError(t, err)

		first, err := receiver.Receive(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, "a", first.MessageID)
		assert.Equal(t, 1, b.Stats(contracts.SubscriptionPath("events", sub)).Active)
	}

	_, err = b.OpenSender(ctx, "memory://", contracts.SubscriptionPath("events", "audit"))
	assert.ErrorIs(t, err, contracts.ErrUnsupported)
}
