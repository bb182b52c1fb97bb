package messaging

import (
	"context"
	"time"

	"github.com/glimte/servicebus-go/contracts"
)

// Transport negotiates broker channels. All protocol detail (framing, auth, TLS)
// lives behind this interface.
type Transport interface {
	// OpenSender opens a sending channel to the entity
	OpenSender(ctx context.Context, connectionString, entityPath string) (SenderLink, error)

	// OpenReceiver opens a receiving channel on the entity
	OpenReceiver(ctx context.Context, connectionString, entityPath string, options ReceiverLinkOptions) (ReceiverLink, error)
}

// ReceiverLinkOptions configures a receiving channel
type ReceiverLinkOptions struct {
	Mode          contracts.ReceiveMode
	PrefetchCount int
}

// SenderLink is an open sending channel to one entity
type SenderLink interface {
	// Send transmits one envelope
	Send(ctx context.Context, envelope *contracts.Envelope) error

	// SendBatch transmits all envelopes atomically
	SendBatch(ctx context.Context, envelopes []*contracts.Envelope) error

	// Close releases the channel
	Close(ctx context.Context) error
}

// ReceiverLink is an open PeekLock receiving channel on one entity
type ReceiverLink interface {
	// Receive waits up to wait for the next message. It returns nil, nil when the
	// wait elapses without a message. A wait <= 0 uses the transport default.
	// Closing the link or cancelling ctx unblocks a pending Receive.
	Receive(ctx context.Context, wait time.Duration) (*contracts.Envelope, error)

	// ReceiveDeferred fetches a deferred message by sequence number. It returns
	// nil, nil when the message no longer exists.
	ReceiveDeferred(ctx context.Context, sequenceNumber int64) (*contracts.Envelope, error)

	// Complete removes the locked message from the entity
	Complete(ctx context.Context, lockToken string) error

	// Abandon releases the lock for immediate redelivery
	Abandon(ctx context.Context, lockToken string) error

	// Defer sets the message aside, retrievable by sequence number
	Defer(ctx context.Context, lockToken string) error

	// DeadLetter moves the message to the dead-letter sub-queue
	DeadLetter(ctx context.Context, lockToken, reason, description string) error

	// RenewLock extends the lock and returns the new expiry
	RenewLock(ctx context.Context, lockToken string) (time.Time, error)

	// SetPrefetchCount configures client side read-ahead; 0 disables it
	SetPrefetchCount(count int) error

	// Close releases the channel
	Close(ctx context.Context) error
}
