package messaging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/servicebus-go/contracts"
)

// Settler settles envelopes that were received in PeekLock mode
type Settler interface {
	Complete(ctx context.Context, env *contracts.Envelope) error
	Abandon(ctx context.Context, env *contracts.Envelope) error
	Defer(ctx context.Context, env *contracts.Envelope) error
	DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error
	RenewLock(ctx context.Context, env *contracts.Envelope) error
}

var _ Settler = (*Receiver)(nil)

// Complete removes the message from the entity
func (r *Receiver) Complete(ctx context.Context, env *contracts.Envelope) error {
	return r.settle(ctx, env, contracts.Complete())
}

// Abandon releases the lock so the message is redelivered
func (r *Receiver) Abandon(ctx context.Context, env *contracts.Envelope) error {
	return r.settle(ctx, env, contracts.Abandon())
}

// Defer sets the message aside. It can only be fetched again through
// ReceiveDeferredMessage using env.SequenceNumber.
func (r *Receiver) Defer(ctx context.Context, env *contracts.Envelope) error {
	return r.settle(ctx, env, contracts.Defer())
}

// DeadLetter moves the message to the dead-letter sub-queue
func (r *Receiver) DeadLetter(ctx context.Context, env *contracts.Envelope, reason, description string) error {
	return r.settle(ctx, env, contracts.DeadLetter(reason, description))
}

// Settle applies decision to env. A manual decision is a no-op.
func (r *Receiver) Settle(ctx context.Context, env *contracts.Envelope, decision contracts.Decision) error {
	if decision.Disposition == contracts.DispositionManual {
		return nil
	}
	return r.settle(ctx, env, decision)
}

// RenewLock extends the lock on env and updates env.LockedUntil. The message
// stays unsettled.
func (r *Receiver) RenewLock(ctx context.Context, env *contracts.Envelope) (err error) {
	const op = "renew"
	if env == nil || env.LockToken == "" {
		return &contracts.SettlementError{Op: op, Err: contracts.ErrNotLocked}
	}
	token := env.LockToken

	ctx, span := startSpan(ctx, r.tracer, "servicebus.renew_lock", r.EntityPath(), trace.SpanKindClient, envelopeAttributes(env)...)
	defer func() {
		r.metrics.RecordSettlement(r.EntityPath(), op, err)
		endSpan(span, err)
	}()

	if r.conn.IsClosed() {
		return &contracts.SettlementError{Op: op, LockToken: token, Err: contracts.ErrConnectionClosed}
	}
	if err := r.locks.checkOpen(token); err != nil {
		return &contracts.SettlementError{Op: op, LockToken: token, Err: err}
	}

	lockedUntil, err := r.conn.link.RenewLock(ctx, token)
	if err != nil {
		if contracts.IsLockLost(err) {
			r.locks.expire(token)
		}
		return &contracts.SettlementError{Op: op, LockToken: token, Err: err}
	}

	env.LockedUntil = lockedUntil
	r.locks.renewed(token, lockedUntil)
	r.logger.Debug("message lock renewed",
		"entity", r.EntityPath(),
		"messageId", env.MessageID,
		"lockedUntil", lockedUntil,
	)
	return nil
}

// settle drives one token through Open -> Settling -> terminal. Only the
// caller that wins begin talks to the broker.
func (r *Receiver) settle(ctx context.Context, env *contracts.Envelope, decision contracts.Decision) (err error) {
	op := decision.Disposition.String()
	if env == nil || env.LockToken == "" {
		return &contracts.SettlementError{Op: op, Err: contracts.ErrNotLocked}
	}
	token := env.LockToken

	ctx, span := startSpan(ctx, r.tracer, "servicebus."+op, r.EntityPath(), trace.SpanKindClient, envelopeAttributes(env)...)
	defer func() {
		r.metrics.RecordSettlement(r.EntityPath(), op, err)
		endSpan(span, err)
	}()

	if decision.Disposition.TerminalState() == contracts.LockUnknown {
		return &contracts.SettlementError{Op: op, LockToken: token, Err: fmt.Errorf("cannot settle with disposition %s", op)}
	}
	if r.conn.IsClosed() {
		return &contracts.SettlementError{Op: op, LockToken: token, Err: contracts.ErrConnectionClosed}
	}
	if err := r.locks.begin(token); err != nil {
		return &contracts.SettlementError{Op: op, LockToken: token, Err: err}
	}

	var linkErr error
	switch decision.Disposition {
	case contracts.DispositionComplete:
		linkErr = r.conn.link.Complete(ctx, token)
	case contracts.DispositionAbandon:
		linkErr = r.conn.link.Abandon(ctx, token)
	case contracts.DispositionDefer:
		linkErr = r.conn.link.Defer(ctx, token)
	case contracts.DispositionDeadLetter:
		linkErr = r.conn.link.DeadLetter(ctx, token, decision.Reason, decision.Description)
	}

	if linkErr != nil {
		r.locks.fail(token, linkErr)
		r.logger.Warn("message settlement failed",
			"entity", r.EntityPath(),
			"op", op,
			"messageId", env.MessageID,
			"error", linkErr,
		)
		return &contracts.SettlementError{Op: op, LockToken: token, Err: linkErr}
	}

	r.locks.finish(token, decision.Disposition.TerminalState())
	r.logger.Debug("message settled",
		"entity", r.EntityPath(),
		"op", op,
		"messageId", env.MessageID,
		"sequenceNumber", env.SequenceNumber,
	)
	return nil
}

// CompleteMessages receives and completes messages until none is available.
// It returns the number completed. Two consecutive messages with the same
// message id abort the call with a DuplicateMessageError.
func (r *Receiver) CompleteMessages(ctx context.Context) (int, error) {
	var guard duplicateGuard
	completed := 0

	for {
		env, err := r.receive(ctx, 0)
		if err != nil {
			return completed, err
		}
		if env == nil {
			return completed, nil
		}
		if err := r.Complete(ctx, env); err != nil {
			return completed, err
		}
		completed++

		if guard.repeated(env.MessageID) {
			return completed, r.duplicate(ctx, env)
		}
	}
}

// CompleteOneMessage receives the next message and completes it. It reports
// false when no message was available.
func (r *Receiver) CompleteOneMessage(ctx context.Context) (bool, error) {
	return r.receiveAndSettle(ctx, contracts.Complete())
}

// AbandonMessage receives the next message and abandons it
func (r *Receiver) AbandonMessage(ctx context.Context) (bool, error) {
	return r.receiveAndSettle(ctx, contracts.Abandon())
}

// DeadLetterMessage receives the next message and dead-letters it
func (r *Receiver) DeadLetterMessage(ctx context.Context, reason, description string) (bool, error) {
	return r.receiveAndSettle(ctx, contracts.DeadLetter(reason, description))
}

// DeferMessage receives the next message, defers it and returns its sequence
// number. It returns 0 when no message was available.
func (r *Receiver) DeferMessage(ctx context.Context) (int64, error) {
	env, err := r.receive(ctx, 0)
	if err != nil || env == nil {
		return 0, err
	}
	if err := r.Defer(ctx, env); err != nil {
		return 0, err
	}
	return env.SequenceNumber, nil
}

// RenewLockOnMessage receives the next message and renews its lock without
// settling it. It returns nil, nil when no message was available.
func (r *Receiver) RenewLockOnMessage(ctx context.Context) (*contracts.Envelope, error) {
	env, err := r.receive(ctx, 0)
	if err != nil || env == nil {
		return nil, err
	}
	if err := r.RenewLock(ctx, env); err != nil {
		return nil, err
	}
	return env, nil
}

func (r *Receiver) receiveAndSettle(ctx context.Context, decision contracts.Decision) (bool, error) {
	env, err := r.receive(ctx, 0)
	if err != nil || env == nil {
		return false, err
	}
	if err := r.settle(ctx, env, decision); err != nil {
		return false, err
	}
	return true, nil
}
