package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

type senderLink struct {
	broker *Broker
	path   string
	closed atomic.Bool
}

var _ messaging.SenderLink = (*senderLink)(nil)

func (l *senderLink) Send(ctx context.Context, env *contracts.Envelope) error {
	return l.SendBatch(ctx, []*contracts.Envelope{env})
}

func (l *senderLink) SendBatch(ctx context.Context, envs []*contracts.Envelope) error {
	if l.closed.Load() {
		return contracts.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.broker.enqueue(l.path, envs)
	return nil
}

func (l *senderLink) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return contracts.ErrConnectionClosed
	}
	return nil
}

type receiverLink struct {
	broker   *Broker
	path     string
	prefetch int
	mu       sync.Mutex
	closedCh chan struct{}
	closed   atomic.Bool
}

var _ messaging.ReceiverLink = (*receiverLink)(nil)

func (l *receiverLink) Receive(ctx context.Context, wait time.Duration) (*contracts.Envelope, error) {
	if l.closed.Load() {
		return nil, contracts.ErrConnectionClosed
	}
	return l.broker.receive(ctx, l.path, wait, l.closedCh)
}

func (l *receiverLink) ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	return l.broker.receiveDeferred(l.path, sequenceNumber)
}

func (l *receiverLink) Complete(ctx context.Context, lockToken string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	return l.broker.complete(l.path, lockToken)
}

func (l *receiverLink) Abandon(ctx context.Context, lockToken string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	return l.broker.abandon(l.path, lockToken)
}

func (l *receiverLink) Defer(ctx context.Context, lockToken string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	return l.broker.deferMessage(l.path, lockToken)
}

func (l *receiverLink) DeadLetter(ctx context.Context, lockToken, reason, description string) error {
	if err := l.check(ctx); err != nil {
		return err
	}
	return l.broker.deadLetter(l.path, lockToken, reason, description)
}

func (l *receiverLink) RenewLock(ctx context.Context, lockToken string) (time.Time, error) {
	if err := l.check(ctx); err != nil {
		return time.Time{}, err
	}
	return l.broker.renewLock(l.path, lockToken)
}

func (l *receiverLink) SetPrefetchCount(count int) error {
	if l.closed.Load() {
		return contracts.ErrConnectionClosed
	}
	l.mu.Lock()
	l.prefetch = count
	l.mu.Unlock()
	return nil
}

func (l *receiverLink) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return contracts.ErrConnectionClosed
	}
	close(l.closedCh)
	return nil
}

func (l *receiverLink) check(ctx context.Context) error {
	if l.closed.Load() {
		return contracts.ErrConnectionClosed
	}
	return ctx.Err()
}
