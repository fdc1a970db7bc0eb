package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_CoalescesCalls(t *testing.T) {
	l := NewLoop()
	calls := 0
	d := NewDebouncer(l, 20*time.Millisecond, func() { calls++ })

	d.Call()
	d.Call()
	d.Call()
	assert.True(t, d.Pending())

	require.Eventually(t, func() bool { return l.Len() > 0 }, time.Second, 5*time.Millisecond)
	l.Drain()

	assert.Equal(t, 1, calls)
	assert.False(t, d.Pending())
}

func TestDebouncer_Flush(t *testing.T) {
	l := NewLoop()
	calls := 0
	d := NewDebouncer(l, time.Hour, func() { calls++ })

	d.Flush()
	assert.Equal(t, 0, calls, "flush without pending call is a no-op")

	d.Call()
	d.Flush()
	assert.Equal(t, 1, calls)
	assert.False(t, d.Pending())
}

func TestDebouncer_Cancel(t *testing.T) {
	l := NewLoop()
	calls := 0
	d := NewDebouncer(l, 10*time.Millisecond, func() { calls++ })

	d.Call()
	d.Cancel()
	assert.False(t, d.Pending())

	time.Sleep(30 * time.Millisecond)
	l.Drain()
	assert.Equal(t, 0, calls)
}

func TestDebouncer_StaleTimerIgnoredAfterFlush(t *testing.T) {
	l := NewLoop()
	calls := 0
	d := NewDebouncer(l, 5*time.Millisecond, func() { calls++ })

	d.Call()
	time.Sleep(20 * time.Millisecond) // timer has posted its task
	d.Flush()
	l.Drain()

	assert.Equal(t, 1, calls)
}
