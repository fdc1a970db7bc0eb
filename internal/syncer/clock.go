package syncer

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall time in milliseconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

// WallClock reads time.Now in Unix milliseconds.
var WallClock Clock = ClockFunc(func() int64 { return time.Now().UnixMilli() })

// Stamper issues monotonic update timestamps.
//
// Next never returns a value at or below one already issued or observed:
// when wall time has not advanced past the latest timestamp, it returns
// latest+1. Remote timestamps are folded in with Observe, so a local write
// after receiving an update always stamps later than that update.
//
// Thread-safety: Stamper is safe for concurrent use (atomic operations).
type Stamper struct {
	latest atomic.Int64
}

// NewStamper creates a stamper with no history.
func NewStamper() *Stamper {
	return &Stamper{}
}

// NewStamperAt creates a stamper whose latest timestamp is start.
func NewStamperAt(start int64) *Stamper {
	s := &Stamper{}
	s.latest.Store(start)
	return s
}

// Next returns max(now, latest+1) and records it as latest.
func (s *Stamper) Next(now int64) int64 {
	for {
		last := s.latest.Load()
		ts := max(now, last+1)
		if s.latest.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

// Observe advances latest to ts if ts is later.
func (s *Stamper) Observe(ts int64) {
	for {
		last := s.latest.Load()
		if ts <= last || s.latest.CompareAndSwap(last, ts) {
			return
		}
	}
}

// Current returns the latest issued or observed timestamp.
func (s *Stamper) Current() int64 {
	return s.latest.Load()
}
