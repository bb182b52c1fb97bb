package contracts

import (
	"errors"
	"fmt"
)

var (
	// Connection errors
	ErrConnectionClosed = errors.New("servicebus: connection is closed")

	// Settlement errors
	ErrLockLost         = errors.New("servicebus: message lock lost")
	ErrLockExpired      = errors.New("servicebus: message lock expired")
	ErrLockTokenUnknown = errors.New("servicebus: lock token unknown")
	ErrAlreadySettled   = errors.New("servicebus: message already settled")
	ErrNotLocked        = errors.New("servicebus: envelope carries no lock token")

	// Send errors
	ErrInsufficientBodies = errors.New("servicebus: fewer bodies than requested message count")

	// Listener errors
	ErrListenerStopped      = errors.New("servicebus: listener is stopped")
	ErrServiceNotRegistered = errors.New("servicebus: service not registered")
	ErrDetachInProgress     = errors.New("servicebus: service is already detaching")

	// General errors
	ErrUnsupported = errors.New("servicebus: operation not supported by transport")
)

// ConnectionError represents a failure to open or close a broker channel
type ConnectionError struct {
	Op     string // open or close
	Entity string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("servicebus connection error: %s %s: %v", e.Op, e.Entity, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// SendError represents a failed send or batch send
type SendError struct {
	Entity    string
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("servicebus send error: message %s to %s: %v", e.MessageID, e.Entity, e.Err)
	}
	return fmt.Sprintf("servicebus send error: %s: %v", e.Entity, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ReceiveError represents a failed or interrupted receive
type ReceiveError struct {
	Entity string
	Err    error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("servicebus receive error: %s: %v", e.Entity, e.Err)
}

func (e *ReceiveError) Unwrap() error {
	return e.Err
}

// SettlementError represents a failed complete, abandon, defer, dead-letter or renew
type SettlementError struct {
	Op        string
	LockToken string
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("servicebus settlement error: %s lock %s: %v", e.Op, e.LockToken, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// DuplicateMessageError is raised when two consecutively received messages share a message id
type DuplicateMessageError struct {
	Entity    string
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("servicebus: received a duplicate message %s from %s", e.MessageID, e.Entity)
}

// DetachError represents a failure to detach a listener service
type DetachError struct {
	Service string
	Err     error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("servicebus detach error: service %s: %v", e.Service, e.Err)
}

func (e *DetachError) Unwrap() error {
	return e.Err
}

// ConfigurationError represents a missing or invalid configuration value
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("servicebus configuration error: %s %s", e.Field, e.Reason)
}

// IsLockLost reports whether err means the lock can no longer be settled
func IsLockLost(err error) bool {
	return errors.Is(err, ErrLockLost) ||
		errors.Is(err, ErrLockExpired) ||
		errors.Is(err, ErrLockTokenUnknown)
}
