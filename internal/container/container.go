// Package container implements the base observable state container that
// derived stores and the sync layer build on.
//
// A Container holds an immutable state value. Every change replaces the
// value; listeners run synchronously, in subscription order, with
// (next, prev). A transition to an Identical value notifies nobody.
//
// The setter is a middleware chain: sync attaches by wrapping it (Use).
// Persistence writes from a commit hook (OnCommit), which runs after the
// whole chain, and restores hydrated state with SetRaw, which bypasses both.
package container

import (
	"fmt"
	"sync/atomic"

	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/observable"
)

// SetFunc is the setter signature middleware wraps: a replacer applied to
// the current state, and whether the result replaces the state wholesale
// (as opposed to a partial update of some fields).
type SetFunc[S any] func(fn func(S) S, replace bool)

// Middleware wraps a setter.
type Middleware[S any] func(next SetFunc[S]) SetFunc[S]

// Container is an observable state cell.
//
// Not safe for concurrent use: all calls happen on the executor.
type Container[S any] struct {
	id       string
	state    S
	watchers observable.Watchers
	set      SetFunc[S]
	onRetire []func()
	onCommit []commitHook
	hookSeq  int
}

type commitHook struct {
	id int
	fn func()
}

// Option configures a Container.
type Option[S any] func(*Container[S])

// WithID sets the container's identifier (default "container-<n>").
func WithID[S any](id string) Option[S] {
	return func(c *Container[S]) {
		c.id = id
	}
}

// WithMiddleware installs middleware at construction.
func WithMiddleware[S any](mw Middleware[S]) Option[S] {
	return func(c *Container[S]) {
		c.set = mw(c.set)
	}
}

var seq atomic.Uint64

// New creates a container holding initial.
func New[S any](initial S, opts ...Option[S]) *Container[S] {
	c := &Container[S]{
		id:    fmt.Sprintf("container-%d", seq.Add(1)),
		state: initial,
	}
	c.set = c.apply
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetState returns the current state.
func (c *Container[S]) GetState() S {
	return c.state
}

// SetState replaces the state with next.
func (c *Container[S]) SetState(next S) {
	c.Set(func(S) S { return next }, true)
}

// Update applies fn to the current state as a partial update.
func (c *Container[S]) Update(fn func(prev S) S) {
	c.Set(fn, false)
}

// Set is the full setter: replacer plus replace flag.
func (c *Container[S]) Set(fn func(prev S) S, replace bool) {
	c.set(fn, replace)
	c.commit()
}

// SetRaw applies fn without running middleware.
func (c *Container[S]) SetRaw(fn func(prev S) S) {
	c.apply(fn, false)
}

// Use wraps the current setter chain with mw. Middleware installed later
// runs first.
func (c *Container[S]) Use(mw Middleware[S]) {
	c.set = mw(c.set)
}

// Subscribe registers listener for every state change.
func (c *Container[S]) Subscribe(listener func(next, prev S)) (unsubscribe func()) {
	return observable.Subscribe[S](c, listener)
}

// SubscriberCount returns the number of registered watchers.
func (c *Container[S]) SubscriberCount() int {
	return c.watchers.Len()
}

// Destroy drops every subscription and runs retire hooks.
func (c *Container[S]) Destroy() {
	c.watchers.Clear()
	hooks := c.onRetire
	c.onRetire = nil
	for _, fn := range hooks {
		fn()
	}
}

// OnCommit registers fn to run after every set that went through the
// middleware chain, once the whole chain has returned. SetRaw does not
// commit.
func (c *Container[S]) OnCommit(fn func()) (remove func()) {
	id := c.hookSeq
	c.hookSeq++
	c.onCommit = append(c.onCommit, commitHook{id: id, fn: fn})
	return func() {
		for i, h := range c.onCommit {
			if h.id == id {
				c.onCommit = append(c.onCommit[:i:i], c.onCommit[i+1:]...)
				return
			}
		}
	}
}

func (c *Container[S]) commit() {
	hooks := append([]commitHook(nil), c.onCommit...)
	for _, h := range hooks {
		h.fn()
	}
}

// OnDestroy registers fn to run when the container is destroyed.
func (c *Container[S]) OnDestroy(fn func()) {
	c.onRetire = append(c.onRetire, fn)
}

// SourceID implements observable.Source.
func (c *Container[S]) SourceID() string { return c.id }

// Rank implements observable.Source. Containers are the roots of every
// dependency graph.
func (c *Container[S]) Rank() int { return 0 }

// Current implements observable.Source.
func (c *Container[S]) Current() any { return c.state }

// Observe implements observable.Source.
func (c *Container[S]) Observe(w *observable.Watch) func() {
	c.watchers.Add(w, c.state)
	return func() { c.watchers.Remove(w) }
}

// Hold implements observable.Source. Containers are always live.
func (c *Container[S]) Hold() func() { return func() {} }

func (c *Container[S]) apply(fn func(S) S, _ bool) {
	next := fn(c.state)
	if equal.Identical(next, c.state) {
		return
	}
	c.state = next
	c.watchers.Notify(next)
}
