package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionSequence(t *testing.T) {
	seq := NewSessionSequence("tab")
	assert.Equal(t, "tab-1", seq.Next())
	assert.Equal(t, "tab-2", seq.Next())

	assert.Equal(t, "session-1", NewSessionSequence("").Next())
}

func TestSessionSequence_ThreadSafeUnique(t *testing.T) {
	seq := NewSessionSequence("p")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := seq.Next()
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 500)
}

func TestRecorder(t *testing.T) {
	var r Recorder[int]
	l := r.Listener()
	l(10, 0)
	l(12, 10)

	assert.Equal(t, []Call[int]{{10, 0}, {12, 10}}, r.Calls())
	assert.Equal(t, "(10, 0)", r.Calls()[0].String())
	assert.Equal(t, 2, r.Len())

	r.Reset()
	assert.Zero(t, r.Len())
}
