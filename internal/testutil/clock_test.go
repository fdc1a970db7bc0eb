package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterministicClock_StartsAtStart(t *testing.T) {
	assert.Equal(t, int64(0), NewDeterministicClock(0).Now())
	assert.Equal(t, int64(100), NewDeterministicClock(100).Now())
}

func TestDeterministicClock_OnlyMovesWhenTold(t *testing.T) {
	clock := NewDeterministicClock(10)

	assert.Equal(t, int64(10), clock.Now())
	assert.Equal(t, int64(10), clock.Now())

	assert.Equal(t, int64(11), clock.Next())
	assert.Equal(t, int64(16), clock.Advance(5))

	clock.Set(3)
	assert.Equal(t, int64(3), clock.Now(), "moving backwards is allowed")

	clock.Reset()
	assert.Equal(t, int64(0), clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(0)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < callsPerGoroutine; j++ {
				clock.Next()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(numGoroutines*callsPerGoroutine), clock.Now())
}
