package rabbitmq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSequenceGenerator(t *testing.T) {
	t.Run("tracks the clock", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		g := &SequenceGenerator{now: func() time.Time { return at }}

		assert.Equal(t, at.UnixMicro(), g.Next())
	})

	t.Run("stays increasing when the clock stalls or steps back", func(t *testing.T) {
		at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		g := &SequenceGenerator{now: func() time.Time { return at }}

		first := g.Next()
		assert.Equal(t, first+1, g.Next())

		at = at.Add(-time.Hour)
		assert.Equal(t, first+2, g.Next())
	})

	t.Run("unique under concurrency", func(t *testing.T) {
		g := NewSequenceGenerator()

		var mu sync.Mutex
		seen := make(map[int64]bool)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					n := g.Next()
					mu.Lock()
					seen[n] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 800)
	})
}
