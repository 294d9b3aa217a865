package clock_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sidequest/pkg/clock"
)

func TestReal_NewIDNeverCollides(t *testing.T) {
	c := clock.New()

	seen := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := c.NewID("job")
				mu.Lock()
				_, dup := seen[id]
				assert.False(t, dup, "duplicate id %s", id)
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 800)
}

func TestReal_NewIDCarriesPrefix(t *testing.T) {
	c := clock.New()
	id := c.NewID("repomix")
	assert.True(t, strings.HasPrefix(id, "repomix-"))
}

func TestFrozen_NowIsStableUntilAdvanced(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := clock.NewFrozen(at)

	assert.Equal(t, at, f.Now())
	assert.Equal(t, at, f.Now())

	f.Advance(90 * time.Second)
	assert.Equal(t, at.Add(90*time.Second), f.Now())
}

func TestFrozen_NewIDStaysUniqueWithoutTimePassing(t *testing.T) {
	f := clock.NewFrozen(time.Now())
	a := f.NewID("job")
	b := f.NewID("job")
	assert.NotEqual(t, a, b)
}
