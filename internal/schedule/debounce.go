package schedule

import (
	"sync"
	"time"
)

// Debouncer delays fn until wait has elapsed without another Call.
//
// The timer fires on its own goroutine; fn itself is posted to the executor,
// so it runs with the same single-writer guarantees as everything else.
// A timer that fires after Flush or Cancel is ignored.
type Debouncer struct {
	poster Poster
	wait   time.Duration
	fn     func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	pending bool
}

// NewDebouncer creates a debouncer that posts fn to poster.
func NewDebouncer(poster Poster, wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{poster: poster, wait: wait, fn: fn}
}

// Call (re)arms the timer.
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	d.pending = true
	if d.timer != nil {
		d.timer.Stop()
	}
	gen := d.gen
	d.timer = time.AfterFunc(d.wait, func() {
		d.poster.Post(func() { d.fire(gen) })
	})
}

// Flush runs a pending call synchronously. No-op when nothing is pending.
func (d *Debouncer) Flush() {
	if d.take(0, false) {
		d.fn()
	}
}

// Cancel discards a pending call.
func (d *Debouncer) Cancel() {
	d.take(0, false)
}

// Pending reports whether a call is waiting for its timer.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) fire(gen uint64) {
	if d.take(gen, true) {
		d.fn()
	}
}

// take clears the pending call. When matchGen is set, only the timer
// generation that armed the current call may take it.
func (d *Debouncer) take(gen uint64, matchGen bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.pending || (matchGen && gen != d.gen) {
		return false
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return true
}
