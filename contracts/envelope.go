package contracts

import (
	"fmt"
	"strings"
	"time"
)

// ReceiveMode selects how the broker hands out messages to a receiver
type ReceiveMode int

const (
	// PeekLock locks each delivered message until it is settled or the lock expires
	PeekLock ReceiveMode = iota
)

// String returns the mode name
func (m ReceiveMode) String() string {
	switch m {
	case PeekLock:
		return "PeekLock"
	default:
		return fmt.Sprintf("ReceiveMode(%d)", int(m))
	}
}

const (
	subscriptionsSegment = "/subscriptions/"
	deadLetterSuffix     = "/$DeadLetterQueue"
)

// SubscriptionPath builds the entity path of a topic subscription
func SubscriptionPath(topic, subscription string) string {
	return topic + subscriptionsSegment + subscription
}

// DeadLetterPath returns the path of the dead-letter sub-queue of an entity
func DeadLetterPath(entityPath string) string {
	return entityPath + deadLetterSuffix
}

// SplitSubscriptionPath splits "topic/subscriptions/name" into its parts.
// ok is false for plain queue or topic paths.
func SplitSubscriptionPath(entityPath string) (topic, subscription string, ok bool) {
	base := strings.TrimSuffix(entityPath, deadLetterSuffix)
	idx := strings.Index(base, subscriptionsSegment)
	if idx <= 0 || idx+len(subscriptionsSegment) >= len(base) {
		return "", "", false
	}
	return base[:idx], base[idx+len(subscriptionsSegment):], true
}

// IsDeadLetterPath reports whether the path addresses a dead-letter sub-queue
func IsDeadLetterPath(entityPath string) bool {
	return strings.HasSuffix(entityPath, deadLetterSuffix)
}

// Envelope is one unit of payload plus broker and user metadata.
//
// LockToken is only present on envelopes obtained through a PeekLock receive and
// is consumed by the first settlement. SequenceNumber, DeliveryCount, EnqueuedAt
// and LockedUntil are assigned by the broker.
type Envelope struct {
	Body             []byte
	ContentType      string
	MessageID        string
	To               string
	ReplyTo          string
	ReplyToSessionID string
	Label            string
	SessionID        string
	CorrelationID    string
	Properties       map[string]string
	TimeToLive       time.Duration

	LockToken      string
	SequenceNumber int64
	DeliveryCount  int
	EnqueuedAt     time.Time
	LockedUntil    time.Time

	DeadLetterReason      string
	DeadLetterDescription string
}

// NewEnvelope creates an envelope carrying body
func NewEnvelope(body []byte) *Envelope {
	return &Envelope{
		Body:       body,
		Properties: make(map[string]string),
	}
}

// IsLocked reports whether the envelope still carries a lock token
func (e *Envelope) IsLocked() bool {
	return e != nil && e.LockToken != ""
}

// Clone returns a deep copy of the envelope
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Body != nil {
		c.Body = append([]byte(nil), e.Body...)
	}
	if e.Properties != nil {
		c.Properties = make(map[string]string, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// String renders identifying metadata. The body is never included.
func (e *Envelope) String() string {
	if e == nil {
		return "<nil envelope>"
	}
	return fmt.Sprintf("Envelope{messageId=%s seq=%d size=%d locked=%t}",
		e.MessageID, e.SequenceNumber, len(e.Body), e.IsLocked())
}
