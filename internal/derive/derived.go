// Package derive implements derived stores: read-only values computed from
// containers and other derived stores.
//
// A derived store is lazy. It wires its dependencies on first subscription
// (or on GetState when keep-alive), recomputes when something it read
// changes, and tears down when its last watcher leaves.
//
// Invalidation routing:
//   - debounced stores re-arm their debouncer and stay out of cascades
//   - stores other derived stores depend on are enqueued on the cascade
//     scheduler at their rank, so ancestors recompute before descendants
//   - leaf stores join an active cascade's flush queue, deriving lazily at
//     flush time
//   - otherwise a settle microtask recomputes and notifies once
//
// Derived watchers are notified synchronously after a changed recompute;
// terminal watchers once per cascade, from the flush phase.
package derive

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/cascade/internal/cascade"
	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/observable"
	"github.com/roach88/cascade/internal/proxy"
	"github.com/roach88/cascade/internal/schedule"
)

// Func computes a derived value, reading dependencies through the scope.
type Func[T any] func(*Scope) T

// Derived is a derived store.
//
// Not safe for concurrent use: all calls happen on the executor.
type Derived[T any] struct {
	id     string
	fn     Func[T]
	eq     func(a, b any) bool
	sched  *cascade.Scheduler
	loop   *schedule.Loop
	logger *slog.Logger

	lockDeps  bool
	keepAlive bool
	debouncer *schedule.Debouncer
	task      *cascade.Task

	state    State[T]
	watchers observable.Watchers
	holds    int

	active       bool
	invalidated  bool
	deriving     bool
	settleQueued bool
	depsLocked   bool

	deps    []func()
	sources []observable.Source

	rank      int
	rankEpoch uint64
	rankValid bool

	deriveCount int
}

var seq atomic.Uint64

// New creates a derived store over fn.
func New[T any](fn Func[T], opts ...Option) *Derived[T] {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("derived-%d", seq.Add(1))
	}
	if o.eq == nil {
		o.eq = equal.Identical
	}
	if o.loop == nil {
		o.loop = schedule.DefaultLoop()
	}
	if o.sched == nil {
		o.sched = cascade.Default()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	d := &Derived[T]{
		id:        o.name,
		fn:        fn,
		eq:        o.eq,
		sched:     o.sched,
		loop:      o.loop,
		logger:    o.logger.With("store", o.name),
		lockDeps:  o.lockDeps,
		keepAlive: o.keepAlive,
	}
	d.task = cascade.NewTask(o.name, d.runTask)
	if o.debounce > 0 {
		d.debouncer = schedule.NewDebouncer(o.loop, o.debounce, d.settleNow)
	}
	return d
}

// GetState returns the derived value.
//
// An active store returns its current value, recomputing first when
// invalidated. A keep-alive store activates. Otherwise the value is computed
// once without subscribing to anything.
func (d *Derived[T]) GetState() T {
	if d.active {
		if d.invalidated && !d.deriving {
			d.pull()
		}
		return d.state.OrZero()
	}
	if d.keepAlive {
		d.activate()
		return d.state.OrZero()
	}
	return d.computeOnce()
}

// State returns the current value as a State without recomputing.
func (d *Derived[T]) State() State[T] {
	return d.state
}

// Subscribe registers listener for every change of the derived value.
func (d *Derived[T]) Subscribe(listener func(next, prev T)) (unsubscribe func()) {
	return observable.Subscribe[T](d, listener)
}

// Flush settles a pending debounced recompute now.
func (d *Derived[T]) Flush() {
	if d.debouncer != nil {
		d.debouncer.Flush()
		return
	}
	if d.active && d.invalidated {
		d.settleNow()
	}
}

// Cancel discards a pending debounced recompute. The store stays
// invalidated, so the next read recomputes.
func (d *Derived[T]) Cancel() {
	if d.debouncer != nil {
		d.debouncer.Cancel()
	}
}

// Destroy releases every dependency subscription, drops all watchers and
// resets the store to uninitialized. The store can be subscribed again.
func (d *Derived[T]) Destroy() {
	d.watchers.Clear()
	d.holds = 0
	d.deactivate()
}

// DeriveCount returns how many times the derivation function has run.
func (d *Derived[T]) DeriveCount() int { return d.deriveCount }

// Active reports whether dependencies are wired.
func (d *Derived[T]) Active() bool { return d.active }

// Invalidated reports whether a dependency changed since the last recompute.
func (d *Derived[T]) Invalidated() bool { return d.invalidated }

// WatcherCount returns the number of registered watchers.
func (d *Derived[T]) WatcherCount() int { return d.watchers.Len() }

// DerivedWatcherCount returns the number of derived stores depending on d.
func (d *Derived[T]) DerivedWatcherCount() int { return d.watchers.DerivedLen() }

// DependencyCount returns the number of live dependency subscriptions.
func (d *Derived[T]) DependencyCount() int { return len(d.deps) }

// SourceID implements observable.Source.
func (d *Derived[T]) SourceID() string { return d.id }

// Rank implements observable.Source: one more than the highest rank among
// the sources read by the last tracked pass. Cached per scheduler epoch.
func (d *Derived[T]) Rank() int {
	if d.rankValid && d.rankEpoch == d.sched.Epoch() {
		return d.rank
	}
	height := 0
	for _, src := range d.sources {
		if r := src.Rank(); r > height {
			height = r
		}
	}
	d.rank = height + 1
	d.rankEpoch = d.sched.Epoch()
	d.rankValid = true
	return d.rank
}

// Current implements observable.Source.
func (d *Derived[T]) Current() any {
	return d.GetState()
}

// Observe implements observable.Source.
func (d *Derived[T]) Observe(w *observable.Watch) func() {
	d.activate()
	d.watchers.Add(w, d.state.OrZero())
	return func() {
		if d.watchers.Remove(w) {
			d.maybeRetire()
		}
	}
}

// Hold implements observable.Source.
func (d *Derived[T]) Hold() func() {
	d.holds++
	d.activate()
	released := false
	return func() {
		if released {
			return
		}
		released = true
		if d.holds > 0 {
			d.holds--
		}
		d.maybeRetire()
	}
}

func (d *Derived[T]) activate() {
	if d.active {
		return
	}
	d.active = true
	d.runDerive()
}

func (d *Derived[T]) maybeRetire() {
	if d.keepAlive || !d.active || d.watchers.Len() > 0 || d.holds > 0 {
		return
	}
	d.deactivate()
}

func (d *Derived[T]) deactivate() {
	deps := d.deps
	d.deps = nil
	for _, release := range deps {
		release()
	}
	if d.debouncer != nil {
		d.debouncer.Cancel()
	}
	if len(d.sources) > 0 {
		d.sched.BumpEpoch()
	}
	d.sources = nil
	d.state = NotYetComputed[T]()
	d.active = false
	d.invalidated = false
	d.depsLocked = false
	d.rankValid = false
}

// invalidate is the listener of every dependency subscription.
func (d *Derived[T]) invalidate() {
	// A pass in progress reads fresh values already.
	if d.deriving || !d.active {
		return
	}
	d.invalidated = true

	switch {
	case d.debouncer != nil:
		d.debouncer.Call()
	case d.watchers.DerivedLen() > 0:
		d.sched.EnqueueDerive(d.task, d.deriveRank())
	case d.sched.IsCascadeActive():
		d.sched.JoinCascade(d.id, d.flushTerminal)
	default:
		d.queueSettle()
	}
}

// deriveRank places d after whatever is running and after every source it
// can be reached through.
func (d *Derived[T]) deriveRank() int {
	return max(d.sched.CurrentDeriveRank()+1, d.Rank()-1)
}

func (d *Derived[T]) runTask() {
	if d.active && d.invalidated {
		d.recompute()
	}
}

// pull recomputes on read. A queued rank task for d finds it valid and
// does nothing.
func (d *Derived[T]) pull() {
	d.recompute()
}

func (d *Derived[T]) recompute() {
	if !d.runDerive() {
		return
	}
	d.watchers.NotifyDerived(d.state.OrZero())
	d.scheduleTerminal()
}

func (d *Derived[T]) scheduleTerminal() {
	if d.watchers.TerminalLen() == 0 {
		return
	}
	if d.sched.IsCascadeActive() {
		d.sched.JoinCascade(d.id, d.flushTerminal)
		return
	}
	d.queueSettle()
}

func (d *Derived[T]) queueSettle() {
	if d.settleQueued {
		return
	}
	d.settleQueued = true
	d.loop.QueueMicrotask(d.settle)
}

func (d *Derived[T]) settle() {
	d.settleQueued = false
	if !d.active {
		return
	}
	if d.invalidated && d.runDerive() {
		d.watchers.NotifyDerived(d.state.OrZero())
	}
	if d.sched.IsCascadeActive() {
		d.sched.JoinCascade(d.id, d.flushTerminal)
		return
	}
	d.flushTerminal()
}

func (d *Derived[T]) flushTerminal() {
	if !d.active {
		return
	}
	if d.invalidated && !d.deriving && d.runDerive() {
		d.watchers.NotifyDerived(d.state.OrZero())
	}
	n := d.watchers.NotifyTerminal(d.state.OrZero())
	metrics.Notifications.Add(float64(n))
}

// settleNow recomputes and notifies everyone synchronously. Debounced
// stores settle this way.
func (d *Derived[T]) settleNow() {
	if !d.active {
		return
	}
	if d.invalidated && d.runDerive() {
		d.watchers.NotifyDerived(d.state.OrZero())
	}
	n := d.watchers.NotifyTerminal(d.state.OrZero())
	metrics.Notifications.Add(float64(n))
}

// runDerive runs one pass and reports whether the value changed.
func (d *Derived[T]) runDerive() bool {
	tracking := !(d.lockDeps && d.depsLocked)
	scope := newScope(proxy.NewRecorder(d.logger), tracking)

	d.invalidated = false
	d.deriving = true
	next, ok := d.call(scope)
	d.deriving = false

	// A failed pass keeps the previous subscriptions. A store with none yet
	// subscribes to whatever was read before the failure.
	if tracking && (ok || len(d.deps) == 0) {
		d.rewire(scope, ok)
	}
	scope.close()

	if !ok {
		if _, computed := d.state.Get(); !computed {
			d.invalidated = true
		}
		return false
	}
	d.deriveCount++
	metrics.Recomputes.Inc()

	if prev, computed := d.state.Get(); computed && d.eq(prev, next) {
		return false
	}
	d.state = Computed(next)
	return true
}

// call runs the derivation function. A panic is logged and the previous
// value kept.
func (d *Derived[T]) call(scope *Scope) (v T, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("derivation panicked", "panic", r)
			ok = false
		}
	}()
	return d.fn(scope), true
}

// rewire subscribes to what the pass read, then releases the previous
// pass's subscriptions, so a source read by both passes never sees its
// watcher count drop to zero in between. Locked stores lock only after a
// pass that completed.
func (d *Derived[T]) rewire(scope *Scope, lock bool) {
	old := d.deps
	d.deps = scope.subscribe(d.invalidate)
	for _, release := range old {
		release()
	}

	if !sameSources(d.sources, scope.sources) {
		d.sources = scope.sources
		d.sched.BumpEpoch()
	}
	if lock && d.lockDeps {
		d.depsLocked = true
	}
}

func (d *Derived[T]) computeOnce() T {
	scope := newScope(proxy.NewRecorder(d.logger), false)
	d.deriving = true
	v, ok := d.call(scope)
	d.deriving = false
	scope.close()
	if ok {
		d.deriveCount++
		metrics.Recomputes.Inc()
	}
	return v
}

func sameSources(a, b []observable.Source) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[observable.Source]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
