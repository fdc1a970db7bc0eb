package derive

import (
	"log/slog"
	"time"

	"github.com/roach88/cascade/internal/cascade"
	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/schedule"
)

type options struct {
	name      string
	eq        func(a, b any) bool
	lockDeps  bool
	keepAlive bool
	debounce  time.Duration
	sched     *cascade.Scheduler
	loop      *schedule.Loop
	logger    *slog.Logger
}

// Option configures a derived store.
type Option func(*options)

// WithName sets the store's identifier, used in logs and as its flush key.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithEqual sets the comparator applied to consecutive outputs. An output
// equal to the previous one keeps the previous value and notifies nobody.
//
// Default: equal.Identical
func WithEqual[T any](eq equal.Func[T]) Option {
	return func(o *options) {
		o.eq = equal.Erase(eq)
	}
}

// WithLockDependencies freezes the dependency subscriptions built by the
// first derivation pass. Later passes read through them without tracking.
func WithLockDependencies() Option {
	return func(o *options) {
		o.lockDeps = true
	}
}

// WithKeepAlive keeps the store wired after its last watcher leaves.
// GetState on an inactive keep-alive store activates it.
func WithKeepAlive() Option {
	return func(o *options) {
		o.keepAlive = true
	}
}

// WithDebounce recomputes d after the last invalidation instead of joining
// the cascade.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		o.debounce = d
	}
}

// WithScheduler sets the cascade scheduler. Every store in one dependency
// graph must share a scheduler.
//
// Default: cascade.Default()
func WithScheduler(s *cascade.Scheduler) Option {
	return func(o *options) {
		o.sched = s
	}
}

// WithLoop sets the executor used for settle microtasks and debounce timers.
//
// Default: schedule.DefaultLoop()
func WithLoop(l *schedule.Loop) Option {
	return func(o *options) {
		o.loop = l
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
