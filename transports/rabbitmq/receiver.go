package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/rabbitmq"
)

// lock is one unacknowledged delivery handed out under a lock token
type lock struct {
	delivery    amqp.Delivery
	lockedUntil time.Time
	timer       *time.Timer
}

// receiverLink emulates PeekLock on an AMQP consumer. A delivery stays
// unacknowledged while its lock is held; the lock expires after the lock
// duration and the delivery is requeued.
type receiverLink struct {
	entity       rabbitmq.Entity
	ch           rabbitmq.Channel
	consumer     *rabbitmq.Consumer
	publisher    *rabbitmq.Publisher
	lockDuration time.Duration
	defaultWait  time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	locks    map[string]*lock
	closed   bool
	closedCh chan struct{}
}

func newReceiverLink(entity rabbitmq.Entity, ch rabbitmq.Channel, consumer *rabbitmq.Consumer, publisher *rabbitmq.Publisher, lockDuration, defaultWait time.Duration, logger *slog.Logger) *receiverLink {
	return &receiverLink{
		entity:       entity,
		ch:           ch,
		consumer:     consumer,
		publisher:    publisher,
		lockDuration: lockDuration,
		defaultWait:  defaultWait,
		logger:       logger,
		now:          time.Now,
		locks:        make(map[string]*lock),
		closedCh:     make(chan struct{}),
	}
}

func (l *receiverLink) Receive(ctx context.Context, wait time.Duration) (*contracts.Envelope, error) {
	if l.isClosed() {
		return nil, contracts.ErrConnectionClosed
	}
	if wait <= 0 {
		wait = l.defaultWait
	}

	d, ok, err := l.consumer.Next(ctx, wait, l.closedCh)
	if l.isClosed() {
		// a delivery taken here is requeued by the channel close
		return nil, contracts.ErrConnectionClosed
	}
	if err != nil || !ok {
		return nil, err
	}
	return l.lock(d), nil
}

func (l *receiverLink) ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error) {
	if l.isClosed() {
		return nil, contracts.ErrConnectionClosed
	}
	if l.entity.DeferredQueue == "" {
		return nil, fmt.Errorf("entity %s has no deferred messages: %w", l.entity.Path, contracts.ErrUnsupported)
	}

	// Scan the deferred queue holding every non-matching message until the
	// scan ends, then release them in one go.
	var skipped []uint64
	defer func() {
		for _, tag := range skipped {
			if err := l.ch.Nack(tag, false, true); err != nil {
				l.logger.Warn("failed to release deferred message",
					"entity", l.entity.Path,
					"error", err,
				)
			}
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, ok, err := l.consumer.Get(l.entity.DeferredQueue)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if rabbitmq.SequenceNumberOf(d) == sequenceNumber {
			return l.lock(d), nil
		}
		skipped = append(skipped, d.DeliveryTag)
	}
}

func (l *receiverLink) Complete(ctx context.Context, lockToken string) error {
	lk, err := l.take(lockToken)
	if err != nil {
		return err
	}
	return l.lockError(l.ch.Ack(lk.delivery.DeliveryTag, false))
}

func (l *receiverLink) Abandon(ctx context.Context, lockToken string) error {
	lk, err := l.take(lockToken)
	if err != nil {
		return err
	}
	// a deferred message goes back to the deferred queue
	return l.lockError(l.ch.Nack(lk.delivery.DeliveryTag, false, true))
}

func (l *receiverLink) Defer(ctx context.Context, lockToken string) error {
	if l.entity.DeferredQueue == "" {
		return fmt.Errorf("entity %s cannot defer: %w", l.entity.Path, contracts.ErrUnsupported)
	}
	return l.move(ctx, lockToken, l.entity.DeferredQueue, nil)
}

func (l *receiverLink) DeadLetter(ctx context.Context, lockToken, reason, description string) error {
	if l.entity.DeadLetter || l.entity.DeadLetterQueue == "" {
		return fmt.Errorf("dead-letter a dead-lettered message: %w", contracts.ErrUnsupported)
	}
	return l.move(ctx, lockToken, l.entity.DeadLetterQueue, amqp.Table{
		rabbitmq.HeaderDeadLetterReason:      reason,
		rabbitmq.HeaderDeadLetterDescription: description,
	})
}

func (l *receiverLink) RenewLock(ctx context.Context, lockToken string) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return time.Time{}, contracts.ErrConnectionClosed
	}
	lk, ok := l.locks[lockToken]
	if !ok {
		return time.Time{}, contracts.ErrLockLost
	}
	lk.lockedUntil = l.now().Add(l.lockDuration)
	lk.timer.Reset(l.lockDuration)
	return lk.lockedUntil, nil
}

func (l *receiverLink) SetPrefetchCount(count int) error {
	if l.isClosed() {
		return contracts.ErrConnectionClosed
	}
	return l.consumer.SetPrefetchCount(count)
}

func (l *receiverLink) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return contracts.ErrConnectionClosed
	}
	l.closed = true
	close(l.closedCh)
	for token, lk := range l.locks {
		lk.timer.Stop()
		delete(l.locks, token)
	}
	l.mu.Unlock()

	if err := l.consumer.Cancel(); err != nil && !rabbitmq.IsChannelClosed(err) {
		l.logger.Warn("failed to cancel consumer", "entity", l.entity.Path, "error", err)
	}
	// closing the channel requeues every unacknowledged delivery
	if err := l.ch.Close(); err != nil && !rabbitmq.IsChannelClosed(err) {
		return err
	}
	return nil
}

// lock registers d under a fresh lock token and returns its envelope
func (l *receiverLink) lock(d amqp.Delivery) *contracts.Envelope {
	token := uuid.NewString()
	lk := &lock{
		delivery:    d,
		lockedUntil: l.now().Add(l.lockDuration),
	}

	l.mu.Lock()
	lk.timer = time.AfterFunc(l.lockDuration, func() { l.expire(token) })
	l.locks[token] = lk
	l.mu.Unlock()

	env := rabbitmq.FromDelivery(d)
	env.LockToken = token
	env.LockedUntil = lk.lockedUntil
	return env
}

// expire returns an unsettled delivery to its queue once its lock lapses
func (l *receiverLink) expire(token string) {
	l.mu.Lock()
	lk, ok := l.locks[token]
	if !ok || l.now().Before(lk.lockedUntil) {
		// settled, or renewed after the timer fired
		l.mu.Unlock()
		return
	}
	delete(l.locks, token)
	l.mu.Unlock()

	if err := l.ch.Nack(lk.delivery.DeliveryTag, false, true); err != nil {
		l.logger.Warn("failed to release expired lock",
			"entity", l.entity.Path,
			"messageId", lk.delivery.MessageId,
			"error", err,
		)
		return
	}
	l.logger.Debug("message lock expired",
		"entity", l.entity.Path,
		"messageId", lk.delivery.MessageId,
	)
}

// take removes the lock held under token
func (l *receiverLink) take(token string) (*lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, contracts.ErrConnectionClosed
	}
	lk, ok := l.locks[token]
	if !ok {
		return nil, contracts.ErrLockLost
	}
	lk.timer.Stop()
	delete(l.locks, token)
	return lk, nil
}

// move republishes the locked message to queue and acknowledges the original
func (l *receiverLink) move(ctx context.Context, token, queue string, headers amqp.Table) error {
	lk, err := l.take(token)
	if err != nil {
		return err
	}

	msg := rabbitmq.Republish(lk.delivery, headers)
	if err := l.publisher.Publish(ctx, "", queue, msg); err != nil {
		// keep the original so the broker can redeliver it
		if nackErr := l.ch.Nack(lk.delivery.DeliveryTag, false, true); nackErr != nil {
			l.logger.Warn("failed to release message after move failure",
				"entity", l.entity.Path,
				"messageId", lk.delivery.MessageId,
				"error", nackErr,
			)
		}
		return err
	}
	return l.lockError(l.ch.Ack(lk.delivery.DeliveryTag, false))
}

// lockError maps a dead channel onto lock loss: its delivery tags are void
func (l *receiverLink) lockError(err error) error {
	if err != nil && rabbitmq.IsChannelClosed(err) {
		return fmt.Errorf("%w: %w", contracts.ErrLockLost, err)
	}
	return err
}

func (l *receiverLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
