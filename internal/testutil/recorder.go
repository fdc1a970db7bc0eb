package testutil

import (
	"fmt"
	"sync"
)

// Call is one recorded listener invocation.
type Call[T any] struct {
	Next T
	Prev T
}

// String renders the call as "(next, prev)".
func (c Call[T]) String() string {
	return fmt.Sprintf("(%v, %v)", c.Next, c.Prev)
}

// Recorder collects (next, prev) listener calls.
//
// Thread-safety: Recorder is safe for concurrent use, so transports that
// deliver on their own goroutines can be observed too.
type Recorder[T any] struct {
	mu    sync.Mutex
	calls []Call[T]
}

// Listener returns a listener that records into r.
func (r *Recorder[T]) Listener() func(next, prev T) {
	return func(next, prev T) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, Call[T]{Next: next, Prev: prev})
	}
}

// Calls returns a copy of the recorded calls.
func (r *Recorder[T]) Calls() []Call[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call[T](nil), r.calls...)
}

// Len returns the number of recorded calls.
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Reset forgets every recorded call.
func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
