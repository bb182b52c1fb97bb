package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/messaging"
)

const (
	// DefaultLockDuration is how long a received message stays locked
	DefaultLockDuration = 30 * time.Second

	// DefaultMaxDeliveryCount is the number of deliveries after which a
	// message is dead-lettered
	DefaultMaxDeliveryCount = 10

	// DefaultServerWaitTime is used by receives that pass no wait
	DefaultServerWaitTime = 60 * time.Second

	// ReasonMaxDeliveryCountExceeded is the dead-letter reason for poison messages
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

// Broker is an in-process message broker with PeekLock semantics. It
// implements messaging.Transport. A path becomes a topic once a subscription
// exists under it; sends to a topic fan out to every subscription.
type Broker struct {
	mu               sync.Mutex
	entities         map[string]*entity
	subscriptions    map[string]map[string]struct{}
	lockDuration     time.Duration
	maxDeliveryCount int
	defaultWait      time.Duration
	logger           *slog.Logger
}

var _ messaging.Transport = (*Broker)(nil)

// Option configures a Broker
type Option func(*Broker)

// WithLockDuration sets the PeekLock duration
func WithLockDuration(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.lockDuration = d
		}
	}
}

// WithMaxDeliveryCount sets the delivery count that triggers dead-lettering
func WithMaxDeliveryCount(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxDeliveryCount = n
		}
	}
}

// WithDefaultWait sets the wait used by receives that pass none
func WithDefaultWait(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.defaultWait = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...Option) *Broker {
	b := &Broker{
		entities:         make(map[string]*entity),
		subscriptions:    make(map[string]map[string]struct{}),
		lockDuration:     DefaultLockDuration,
		maxDeliveryCount: DefaultMaxDeliveryCount,
		defaultWait:      DefaultServerWaitTime,
		logger:           slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// CreateSubscription adds a subscription under topic. Messages sent to the
// topic afterwards are copied into it.
func (b *Broker) CreateSubscription(topic, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createSubscriptionLocked(topic, name)
}

func (b *Broker) createSubscriptionLocked(topic, name string) {
	subs, ok := b.subscriptions[topic]
	if !ok {
		subs = make(map[string]struct{})
		b.subscriptions[topic] = subs
	}
	subs[name] = struct{}{}
	b.entityLocked(contracts.SubscriptionPath(topic, name))
}

// EntityStats is a point in time view of one entity
type EntityStats struct {
	Active   int
	Locked   int
	Deferred int
}

// Stats returns message counts for path
func (b *Broker) Stats(path string) EntityStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entities[path]
	if !ok {
		return EntityStats{}
	}
	e.reclaimLocked(time.Now())
	return EntityStats{
		Active:   len(e.ready),
		Locked:   len(e.locked),
		Deferred: len(e.deferred),
	}
}

// Ping always succeeds while ctx is live
func (b *Broker) Ping(ctx context.Context, connectionString string) error {
	return ctx.Err()
}

// OpenSender implements messaging.Transport
func (b *Broker) OpenSender(ctx context.Context, connectionString, entityPath string) (messaging.SenderLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if contracts.IsDeadLetterPath(entityPath) {
		return nil, fmt.Errorf("cannot send to dead-letter sub-queue %s: %w", entityPath, contracts.ErrUnsupported)
	}
	if _, _, ok := contracts.SplitSubscriptionPath(entityPath); ok {
		return nil, fmt.Errorf("cannot send to subscription %s: %w", entityPath, contracts.ErrUnsupported)
	}
	return &senderLink{broker: b, path: entityPath}, nil
}

// OpenReceiver implements messaging.Transport
func (b *Broker) OpenReceiver(ctx context.Context, connectionString, entityPath string, options messaging.ReceiverLinkOptions) (messaging.ReceiverLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if options.Mode != contracts.PeekLock {
		return nil, fmt.Errorf("receive mode %s: %w", options.Mode, contracts.ErrUnsupported)
	}

	b.mu.Lock()
	if topic, sub, ok := contracts.SplitSubscriptionPath(entityPath); ok {
		b.createSubscriptionLocked(topic, sub)
	}
	b.entityLocked(entityPath)
	b.mu.Unlock()

	return &receiverLink{
		broker:   b,
		path:     entityPath,
		prefetch: options.PrefetchCount,
		closedCh: make(chan struct{}),
	}, nil
}

// entityLocked returns the entity at path, creating it on first use.
// Caller must hold b.mu.
func (b *Broker) entityLocked(path string) *entity {
	e, ok := b.entities[path]
	if !ok {
		e = newEntity(path)
		b.entities[path] = e
	}
	return e
}

// targetsLocked resolves a send path to the entities that receive a copy
func (b *Broker) targetsLocked(path string) []*entity {
	subs := b.subscriptions[path]
	if len(subs) == 0 {
		return []*entity{b.entityLocked(path)}
	}

	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)

	targets := make([]*entity, 0, len(names))
	for _, name := range names {
		targets = append(targets, b.entityLocked(contracts.SubscriptionPath(path, name)))
	}
	return targets
}

func (b *Broker) enqueue(path string, envs []*contracts.Envelope) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, target := range b.targetsLocked(path) {
		for _, env := range envs {
			target.add(env.Clone(), now)
		}
		target.signal()
	}
}

// receive blocks until a message is available on path, wait elapses, ctx is
// cancelled or closed is closed
func (b *Broker) receive(ctx context.Context, path string, wait time.Duration, closed <-chan struct{}) (*contracts.Envelope, error) {
	if wait <= 0 {
		wait = b.defaultWait
	}
	deadline := time.Now().Add(wait)

	for {
		b.mu.Lock()
		e := b.entityLocked(path)
		now := time.Now()
		env := b.nextLocked(e, now)
		if env != nil {
			b.mu.Unlock()
			return env, nil
		}
		notify := e.notify
		sleep := deadline.Sub(now)
		if next, ok := e.nextLockExpiry(); ok && next.Sub(now) < sleep {
			sleep = next.Sub(now)
		}
		b.mu.Unlock()

		if sleep <= 0 {
			if !now.Before(deadline) {
				return nil, nil
			}
			sleep = time.Millisecond
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-closed:
			timer.Stop()
			return nil, contracts.ErrConnectionClosed
		case <-notify:
			timer.Stop()
		case <-timer.C:
			if !time.Now().Before(deadline) {
				// one last look so a message arriving with the deadline is not missed
				b.mu.Lock()
				env := b.nextLocked(b.entityLocked(path), time.Now())
				b.mu.Unlock()
				return env, nil
			}
		}
	}
}

// nextLocked locks and returns the next deliverable message. Expired messages
// are dropped and poison messages dead-lettered on the way. Caller must hold b.mu.
func (b *Broker) nextLocked(e *entity, now time.Time) *contracts.Envelope {
	e.reclaimLocked(now)

	for len(e.ready) > 0 {
		m := e.ready[0]
		e.ready = e.ready[1:]

		if !m.expiresAt.IsZero() && now.After(m.expiresAt) {
			b.logger.Debug("message expired", "entity", e.path, "messageId", m.env.MessageID)
			continue
		}
		if !contracts.IsDeadLetterPath(e.path) && m.env.DeliveryCount >= b.maxDeliveryCount {
			b.deadLetterLocked(e, m, ReasonMaxDeliveryCountExceeded,
				fmt.Sprintf("message was delivered %d times", m.env.DeliveryCount))
			continue
		}

		return b.lockLocked(e, m, now)
	}
	return nil
}

func (b *Broker) lockLocked(e *entity, m *stored, now time.Time) *contracts.Envelope {
	m.lockToken = uuid.NewString()
	m.env.DeliveryCount++
	m.env.LockedUntil = now.Add(b.lockDuration)
	e.locked[m.lockToken] = m

	out := m.env.Clone()
	out.LockToken = m.lockToken
	return out
}

func (b *Broker) deadLetterLocked(e *entity, m *stored, reason, description string) {
	dlq := b.entityLocked(contracts.DeadLetterPath(e.path))
	env := m.env.Clone()
	env.DeadLetterReason = reason
	env.DeadLetterDescription = description
	env.LockedUntil = time.Time{}
	dlq.ready = append(dlq.ready, &stored{env: env})
	dlq.signal()

	b.logger.Debug("message dead-lettered",
		"entity", e.path,
		"messageId", env.MessageID,
		"reason", reason,
	)
}

// settle applies op to the message locked under token on path
func (b *Broker) settle(path, token string, op func(e *entity, m *stored) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entityLocked(path)
	now := time.Now()
	e.reclaimLocked(now)

	m, ok := e.locked[token]
	if !ok {
		return contracts.ErrLockLost
	}
	return op(e, m)
}

func (b *Broker) complete(path, token string) error {
	return b.settle(path, token, func(e *entity, m *stored) error {
		delete(e.locked, token)
		if m.deferred {
			delete(e.deferred, m.env.SequenceNumber)
		}
		return nil
	})
}

func (b *Broker) abandon(path, token string) error {
	return b.settle(path, token, func(e *entity, m *stored) error {
		e.unlock(m)
		return nil
	})
}

func (b *Broker) deferMessage(path, token string) error {
	return b.settle(path, token, func(e *entity, m *stored) error {
		delete(e.locked, token)
		m.lockToken = ""
		m.env.LockedUntil = time.Time{}
		m.deferred = true
		e.deferred[m.env.SequenceNumber] = m
		return nil
	})
}

func (b *Broker) deadLetter(path, token, reason, description string) error {
	if contracts.IsDeadLetterPath(path) {
		return fmt.Errorf("dead-letter a dead-lettered message: %w", contracts.ErrUnsupported)
	}
	return b.settle(path, token, func(e *entity, m *stored) error {
		delete(e.locked, token)
		if m.deferred {
			delete(e.deferred, m.env.SequenceNumber)
		}
		b.deadLetterLocked(e, m, reason, description)
		return nil
	})
}

func (b *Broker) renewLock(path, token string) (time.Time, error) {
	var lockedUntil time.Time
	err := b.settle(path, token, func(e *entity, m *stored) error {
		lockedUntil = time.Now().Add(b.lockDuration)
		m.env.LockedUntil = lockedUntil
		return nil
	})
	return lockedUntil, err
}

func (b *Broker) receiveDeferred(path string, sequenceNumber int64) (*contracts.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entityLocked(path)
	now := time.Now()
	e.reclaimLocked(now)

	m, ok := e.deferred[sequenceNumber]
	if !ok {
		return nil, nil
	}
	if m.lockToken != "" {
		return nil, fmt.Errorf("deferred message %d is locked by another receiver", sequenceNumber)
	}
	return b.lockLocked(e, m, now), nil
}

// entity is one queue, subscription or dead-letter sub-queue
type entity struct {
	path     string
	seq      int64
	ready    []*stored
	locked   map[string]*stored
	deferred map[int64]*stored
	notify   chan struct{}
}

type stored struct {
	env       *contracts.Envelope
	lockToken string
	expiresAt time.Time
	deferred  bool
}

func newEntity(path string) *entity {
	return &entity{
		path:     path,
		locked:   make(map[string]*stored),
		deferred: make(map[int64]*stored),
		notify:   make(chan struct{}),
	}
}

func (e *entity) add(env *contracts.Envelope, now time.Time) {
	e.seq++
	env.SequenceNumber = e.seq
	env.EnqueuedAt = now
	env.DeliveryCount = 0
	env.LockToken = ""
	env.LockedUntil = time.Time{}

	m := &stored{env: env}
	if env.TimeToLive > 0 {
		m.expiresAt = now.Add(env.TimeToLive)
	}
	e.ready = append(e.ready, m)
}

// signal wakes every receiver waiting on the entity
func (e *entity) signal() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// unlock returns a locked message to where it came from
func (e *entity) unlock(m *stored) {
	delete(e.locked, m.lockToken)
	m.lockToken = ""
	m.env.LockedUntil = time.Time{}
	if m.deferred {
		return
	}

	i := sort.Search(len(e.ready), func(i int) bool {
		return e.ready[i].env.SequenceNumber > m.env.SequenceNumber
	})
	e.ready = append(e.ready, nil)
	copy(e.ready[i+1:], e.ready[i:])
	e.ready[i] = m
	e.signal()
}

// reclaimLocked releases every lock that has expired
func (e *entity) reclaimLocked(now time.Time) {
	for _, m := range e.locked {
		if now.After(m.env.LockedUntil) {
			e.unlock(m)
		}
	}
}

func (e *entity) nextLockExpiry() (time.Time, bool) {
	var next time.Time
	for _, m := range e.locked {
		if next.IsZero() || m.env.LockedUntil.Before(next) {
			next = m.env.LockedUntil
		}
	}
	return next, !next.IsZero()
}
