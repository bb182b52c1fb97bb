package contracts

import "fmt"

// Disposition is the terminal outcome requested for a locked message
type Disposition int

const (
	// DispositionComplete removes the message from the entity
	DispositionComplete Disposition = iota
	// DispositionAbandon releases the lock so the message is redelivered
	DispositionAbandon
	// DispositionDefer sets the message aside, retrievable by sequence number only
	DispositionDefer
	// DispositionDeadLetter moves the message to the dead-letter sub-queue
	DispositionDeadLetter
	// DispositionManual means the handler settled (or deliberately did not settle) the message itself
	DispositionManual
)

// String returns the disposition name
func (d Disposition) String() string {
	switch d {
	case DispositionComplete:
		return "complete"
	case DispositionAbandon:
		return "abandon"
	case DispositionDefer:
		return "defer"
	case DispositionDeadLetter:
		return "deadletter"
	case DispositionManual:
		return "manual"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// Decision is what a handler asks the dispatcher to do with a delivered message
type Decision struct {
	Disposition Disposition
	Reason      string
	Description string
}

// Complete returns a completion decision
func Complete() Decision { return Decision{Disposition: DispositionComplete} }

// Abandon returns an abandon decision
func Abandon() Decision { return Decision{Disposition: DispositionAbandon} }

// Defer returns a deferral decision
func Defer() Decision { return Decision{Disposition: DispositionDefer} }

// DeadLetter returns a dead-letter decision carrying reason and description
func DeadLetter(reason, description string) Decision {
	return Decision{Disposition: DispositionDeadLetter, Reason: reason, Description: description}
}

// Manual returns a decision telling the dispatcher to leave settlement alone
func Manual() Decision { return Decision{Disposition: DispositionManual} }

// String renders the decision for logs
func (d Decision) String() string {
	if d.Disposition == DispositionDeadLetter {
		return fmt.Sprintf("deadletter(%s)", d.Reason)
	}
	return d.Disposition.String()
}

// LockState is the settlement state of a lock token
type LockState int

const (
	// LockUnknown is reported for tokens this receiver never handed out
	LockUnknown LockState = iota
	// LockOpen means the message is locked and awaiting settlement
	LockOpen
	// LockSettling means a settlement round trip is in progress
	LockSettling
	LockCompleted
	LockAbandoned
	LockDeferred
	LockDeadLettered
	// LockExpired means the lock was lost before settlement
	LockExpired
)

// String returns the state name
func (s LockState) String() string {
	switch s {
	case LockUnknown:
		return "unknown"
	case LockOpen:
		return "open"
	case LockSettling:
		return "settling"
	case LockCompleted:
		return "completed"
	case LockAbandoned:
		return "abandoned"
	case LockDeferred:
		return "deferred"
	case LockDeadLettered:
		return "deadlettered"
	case LockExpired:
		return "expired"
	default:
		return fmt.Sprintf("LockState(%d)", int(s))
	}
}

// IsTerminal reports whether no further settlement is possible
func (s LockState) IsTerminal() bool {
	switch s {
	case LockCompleted, LockAbandoned, LockDeferred, LockDeadLettered, LockExpired:
		return true
	}
	return false
}

// TerminalState maps a disposition to the lock state it produces
func (d Disposition) TerminalState() LockState {
	switch d {
	case DispositionComplete:
		return LockCompleted
	case DispositionAbandon:
		return LockAbandoned
	case DispositionDefer:
		return LockDeferred
	case DispositionDeadLetter:
		return LockDeadLettered
	default:
		return LockUnknown
	}
}
