package messaging

import (
	"sync"
	"time"

	"github.com/glimte/servicebus-go/contracts"
)

// DefaultLockRetention is how long settled lock tokens are remembered
const DefaultLockRetention = 10 * time.Minute

type lockRecord struct {
	state          contracts.LockState
	messageID      string
	sequenceNumber int64
	lockedUntil    time.Time
	settledAt      time.Time
}

// lockTracker keeps the settlement state of every lock token handed out by
// one receiver. All transitions happen under mu, so the first settlement of
// a token wins.
type lockTracker struct {
	mu        sync.Mutex
	records   map[string]*lockRecord
	retention time.Duration
	now       func() time.Time
	lastPrune time.Time
}

func newLockTracker(retention time.Duration, now func() time.Time) *lockTracker {
	if retention <= 0 {
		retention = DefaultLockRetention
	}
	if now == nil {
		now = time.Now
	}
	return &lockTracker{
		records:   make(map[string]*lockRecord),
		retention: retention,
		now:       now,
		lastPrune: now(),
	}
}

// track records a freshly received envelope as Open
func (t *lockTracker) track(env *contracts.Envelope) {
	if env == nil || env.LockToken == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records[env.LockToken] = &lockRecord{
		state:          contracts.LockOpen,
		messageID:      env.MessageID,
		sequenceNumber: env.SequenceNumber,
		lockedUntil:    env.LockedUntil,
	}
	t.pruneLocked()
}

// begin moves an open token to Settling. It fails if the token is unknown,
// already settled, being settled, or past its known lock expiry.
func (t *lockTracker) begin(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[token]
	if !ok {
		return contracts.ErrLockTokenUnknown
	}
	switch rec.state {
	case contracts.LockOpen:
	case contracts.LockExpired:
		return contracts.ErrLockExpired
	default:
		return contracts.ErrAlreadySettled
	}

	now := t.now()
	if !rec.lockedUntil.IsZero() && now.After(rec.lockedUntil) {
		rec.state = contracts.LockExpired
		rec.settledAt = now
		return contracts.ErrLockExpired
	}

	rec.state = contracts.LockSettling
	return nil
}

// finish moves a Settling token to its terminal state
func (t *lockTracker) finish(token string, state contracts.LockState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[token]; ok {
		rec.state = state
		rec.settledAt = t.now()
	}
}

// fail reverts a Settling token after a transport failure. Lock loss is
// terminal; anything else leaves the token Open for the caller to decide.
func (t *lockTracker) fail(token string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[token]
	if !ok {
		return
	}
	if contracts.IsLockLost(err) {
		rec.state = contracts.LockExpired
		rec.settledAt = t.now()
		return
	}
	rec.state = contracts.LockOpen
}

// checkOpen reports whether token can still be renewed
func (t *lockTracker) checkOpen(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[token]
	if !ok {
		return contracts.ErrLockTokenUnknown
	}
	switch rec.state {
	case contracts.LockOpen, contracts.LockSettling:
		return nil
	case contracts.LockExpired:
		return contracts.ErrLockExpired
	default:
		return contracts.ErrAlreadySettled
	}
}

// renewed records a new lock expiry for a token that is still unsettled
func (t *lockTracker) renewed(token string, lockedUntil time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[token]; ok && !rec.state.IsTerminal() {
		rec.lockedUntil = lockedUntil
	}
}

// expire marks a token Expired after the broker reported lock loss on renew
func (t *lockTracker) expire(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[token]; ok && !rec.state.IsTerminal() {
		rec.state = contracts.LockExpired
		rec.settledAt = t.now()
	}
}

// state returns the current state of token
func (t *lockTracker) state(token string) contracts.LockState {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[token]
	if !ok {
		return contracts.LockUnknown
	}
	if rec.state == contracts.LockOpen && !rec.lockedUntil.IsZero() && t.now().After(rec.lockedUntil) {
		return contracts.LockExpired
	}
	return rec.state
}

// openTokens counts tokens that are still awaiting settlement
func (t *lockTracker) openTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, rec := range t.records {
		if !rec.state.IsTerminal() {
			n++
		}
	}
	return n
}

// pruneLocked drops terminal records older than the retention window.
// Caller must hold mu.
func (t *lockTracker) pruneLocked() {
	now := t.now()
	if now.Sub(t.lastPrune) < t.retention/2 {
		return
	}
	t.lastPrune = now

	for token, rec := range t.records {
		if rec.state.IsTerminal() && now.Sub(rec.settledAt) > t.retention {
			delete(t.records, token)
			continue
		}
		// never settled and the lock is long gone
		if rec.state == contracts.LockOpen && !rec.lockedUntil.IsZero() && now.Sub(rec.lockedUntil) > t.retention {
			delete(t.records, token)
		}
	}
}
