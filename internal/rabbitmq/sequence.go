package rabbitmq

import (
	"sync"
	"time"
)

// SequenceGenerator hands out strictly increasing positive sequence numbers.
// Values track the wall clock in microseconds so numbers from separate
// processes interleave roughly by send time.
type SequenceGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewSequenceGenerator creates a generator backed by the wall clock
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{now: time.Now}
}

// Next returns the next sequence number
func (g *SequenceGenerator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.now().UnixMicro()
	if next <= g.last {
		next = g.last + 1
	}
	g.last = next
	return next
}
