// Package virtual implements a store whose value is chosen from other
// stores: a derived store computes which container is current (for example
// the per-account store of the active account) and the virtual store
// forwards reads, writes and subscriptions to it.
//
// When the selection changes, every subscription is moved to the new
// delegate in registration order. A subscription fires once with
// (newSlice, oldSlice) if its slice differs between the two delegates and
// stays silent otherwise. The old delegate is then retired.
//
// By default retiring DESTROYS the old delegate: its state is dropped and
// every other listener on it is detached. Delegates that outlive the
// selection (shared per-account stores, cached containers) need
// Store.OnRetire(nil), which leaves them untouched.
package virtual

import (
	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/derive"
	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/observable"
)

// Store forwards to the currently selected container.
//
// Not safe for concurrent use: all calls happen on the executor.
type Store[S any] struct {
	derived *derive.Derived[*container.Container[S]]
	current *container.Container[S]

	bindings []*binding
	hold     func()
	retire   func(*container.Container[S])
	rebinds  int
}

type binding struct {
	sel      func(any) any
	eq       func(a, b any) bool
	onChange func(next, prev any)

	watch   *observable.Watch
	release func()
}

// New creates a virtual store over sel. opts configure the underlying
// derived store; its equality function is replaced by the rebinding one.
// A delegate swapped out is destroyed unless OnRetire says otherwise.
func New[S any](sel func(*derive.Scope) *container.Container[S], opts ...derive.Option) *Store[S] {
	v := &Store[S]{
		retire: func(c *container.Container[S]) { c.Destroy() },
	}
	all := append(append([]derive.Option{}, opts...), derive.WithEqual(v.swap))
	v.derived = derive.New(derive.Func[*container.Container[S]](sel), all...)
	return v
}

// OnRetire replaces what happens to a delegate after its subscriptions have
// moved away. The default destroys it. A nil fn only moves the store's own
// subscriptions and leaves the old delegate alive.
func (v *Store[S]) OnRetire(fn func(old *container.Container[S])) {
	v.retire = fn
}

// Delegate returns the currently selected container (nil when none).
func (v *Store[S]) Delegate() *container.Container[S] {
	if v.hold != nil {
		// Reading pulls a pending selection change, rebinding first.
		v.derived.GetState()
		return v.current
	}
	return v.derived.GetState()
}

// GetState returns the delegate's state, or the zero S without a delegate.
func (v *Store[S]) GetState() S {
	if c := v.Delegate(); c != nil {
		return c.GetState()
	}
	var zero S
	return zero
}

// SetState replaces the delegate's state. No-op without a delegate.
func (v *Store[S]) SetState(next S) {
	if c := v.Delegate(); c != nil {
		c.SetState(next)
	}
}

// Update applies fn to the delegate's state. No-op without a delegate.
func (v *Store[S]) Update(fn func(S) S) {
	if c := v.Delegate(); c != nil {
		c.Update(fn)
	}
}

// Subscribe registers listener for every state change of the current
// delegate, surviving delegate swaps.
func (v *Store[S]) Subscribe(listener func(next, prev S)) (unsubscribe func()) {
	return v.add(&binding{
		onChange: func(next, prev any) {
			n, _ := next.(S)
			p, _ := prev.(S)
			listener(n, p)
		},
	})
}

// SubscribeSelector subscribes listener to a projection of v's delegate,
// compared with eq (default equal.Identical).
func SubscribeSelector[S, U any](v *Store[S], sel func(S) U, listener func(next, prev U), eq ...equal.Func[U]) (unsubscribe func()) {
	b := &binding{
		sel: func(state any) any {
			s, _ := state.(S)
			return sel(s)
		},
		onChange: func(next, prev any) {
			n, _ := next.(U)
			p, _ := prev.(U)
			listener(n, p)
		},
	}
	if len(eq) > 0 && eq[0] != nil {
		b.eq = equal.Erase(eq[0])
	}
	return v.add(b)
}

// SubscriptionCount returns the number of live subscriptions.
func (v *Store[S]) SubscriptionCount() int { return len(v.bindings) }

// Rebinds returns how many delegate swaps have happened.
func (v *Store[S]) Rebinds() int { return v.rebinds }

// Destroy drops every subscription and releases the selection.
func (v *Store[S]) Destroy() {
	for _, b := range v.bindings {
		b.detach()
	}
	v.bindings = nil
	v.unhold()
	v.derived.Destroy()
}

func (v *Store[S]) add(b *binding) func() {
	v.ensureHeld()
	v.bindings = append(v.bindings, b)
	b.attach(v.source())

	removed := false
	return func() {
		if removed {
			return
		}
		removed = true
		b.detach()
		for i, cur := range v.bindings {
			if cur == b {
				v.bindings = append(v.bindings[:i:i], v.bindings[i+1:]...)
				break
			}
		}
		if len(v.bindings) == 0 {
			v.unhold()
		}
	}
}

// ensureHeld keeps the selecting derived store active while anything is
// subscribed, so selection changes rebind without a read.
func (v *Store[S]) ensureHeld() {
	if v.hold != nil {
		return
	}
	v.hold = v.derived.Subscribe(func(_, _ *container.Container[S]) {})
	v.current = v.derived.State().OrZero()
}

func (v *Store[S]) unhold() {
	if v.hold == nil {
		return
	}
	v.hold()
	v.hold = nil
	v.current = nil
}

// swap is the derived store's equality function. A different delegate
// moves every subscription across before the new value is reported.
func (v *Store[S]) swap(prev, next *container.Container[S]) bool {
	if prev == next {
		return true
	}
	if v.hold == nil {
		return false
	}
	v.current = next
	v.rebinds++
	src := v.source()
	for _, b := range append([]*binding(nil), v.bindings...) {
		b.rebind(src)
	}
	if prev != nil && v.retire != nil {
		v.retire(prev)
	}
	return false
}

func (v *Store[S]) source() observable.Source {
	if v.current == nil {
		return nil
	}
	return v.current
}

func (b *binding) attach(src observable.Source) {
	b.watch = &observable.Watch{Select: b.sel, Equal: b.eq, OnChange: b.onChange}
	if src == nil {
		b.watch.Prime(nil)
		b.release = nil
		return
	}
	b.release = src.Observe(b.watch)
}

func (b *binding) detach() {
	if b.release != nil {
		b.release()
		b.release = nil
	}
}

// rebind moves b to src, firing once when its slice differs.
func (b *binding) rebind(src observable.Source) {
	prev := b.watch.Current()
	b.detach()
	b.attach(src)

	next := b.watch.Current()
	eq := b.eq
	if eq == nil {
		eq = equal.Identical
	}
	if !eq(next, prev) {
		b.onChange(next, prev)
	}
}
