package syncer

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStamper_Next(t *testing.T) {
	tests := []struct {
		name  string
		start int64
		now   int64
		want  int64
	}{
		{"wall clock ahead", 100, 200, 200},
		{"wall clock behind", 100, 50, 101},
		{"wall clock equal", 100, 100, 101},
		{"fresh stamper", 0, 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStamperAt(tt.start)
			assert.Equal(t, tt.want, s.Next(tt.now))
			assert.Equal(t, tt.want, s.Current())
		})
	}
}

func TestStamper_Observe(t *testing.T) {
	s := NewStamper()
	s.Observe(500)
	assert.Equal(t, int64(501), s.Next(100))

	s.Observe(10) // older timestamps never move it back
	assert.Equal(t, int64(501), s.Current())
}

func TestStamper_ConcurrentNextIsUnique(t *testing.T) {
	s := NewStamper()
	const workers, perWorker = 8, 200

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ts := s.Next(1)
				mu.Lock()
				seen[ts] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), s.Current())
}

func TestClockFunc(t *testing.T) {
	var c Clock = ClockFunc(func() int64 { return 42 })
	assert.Equal(t, int64(42), c.Now())
	assert.Positive(t, WallClock.Now())
}

func TestError_Format(t *testing.T) {
	err := &Error{Code: ErrCodeMergeType, Key: "prefs", Field: "theme", Message: "merge result has the wrong type"}
	assert.Equal(t, "MERGE_TYPE: merge result has the wrong type (key=prefs, field=theme)", err.Error())

	wrapped := fmt.Errorf("attach: %w", configError("prefs", ErrMissingTransport, "transport is required"))
	assert.True(t, IsConfigError(wrapped))
	assert.ErrorIs(t, wrapped, ErrMissingTransport)

	var se *Error
	require.True(t, errors.As(wrapped, &se))
	assert.Equal(t, "prefs", se.Key)

	assert.False(t, IsConfigError(errors.New("plain")))
}
