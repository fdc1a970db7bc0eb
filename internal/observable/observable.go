// Package observable holds the type-erased contract shared by containers and
// derived stores, so a derivation can depend on either without knowing its
// state type.
package observable

import (
	"github.com/roach88/cascade/internal/equal"
)

// Source is anything a derivation can depend on.
type Source interface {
	// SourceID identifies the source in logs and in the cascade flush queue.
	SourceID() string

	// Rank is the topological height of the source: 0 for containers,
	// 1 + the highest dependency rank for derived stores.
	Rank() int

	// Current returns the current state. Derived sources that are
	// invalidated recompute before returning.
	Current() any

	// Observe registers w and returns its unsubscribe function.
	Observe(w *Watch) (unsubscribe func())

	// Hold keeps the source alive (and its dependencies wired) until release
	// is called, without registering a watcher.
	Hold() (release func())
}

// Readable is a Source with a typed state accessor.
type Readable[S any] interface {
	Source
	GetState() S
}

// Watch is one registered listener.
//
// Select projects the state to the slice the watcher cares about (nil selects
// the whole state). Equal compares consecutive slices (nil means
// equal.Identical). OnChange receives (next, prev) slices.
//
// Derived marks watchers that are themselves derivations: those are notified
// synchronously during a cascade, everything else is terminal and deferred
// to the flush phase.
type Watch struct {
	Select   func(state any) any
	Equal    func(a, b any) bool
	OnChange func(next, prev any)
	Derived  bool

	current any
	active  bool
}

// Current returns the last slice delivered to (or primed for) the watcher.
func (w *Watch) Current() any { return w.current }

// Prime records the watcher's starting slice from state.
func (w *Watch) Prime(state any) {
	w.current = w.slice(state)
}

// Active reports whether the watcher is still registered.
func (w *Watch) Active() bool { return w.active }

// Check compares the watcher's slice of state with the last one it saw and,
// when different, records the new slice and calls OnChange.
// Returns true when OnChange was called.
func (w *Watch) Check(state any) bool {
	if !w.active {
		return false
	}
	next := w.slice(state)
	eq := w.Equal
	if eq == nil {
		eq = equal.Identical
	}
	if eq(next, w.current) {
		return false
	}
	prev := w.current
	w.current = next
	if w.OnChange != nil {
		w.OnChange(next, prev)
	}
	return true
}

func (w *Watch) slice(state any) any {
	if w.Select == nil {
		return state
	}
	return w.Select(state)
}
