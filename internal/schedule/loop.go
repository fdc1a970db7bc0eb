package schedule

import (
	"context"
	"log/slog"
	"sync"
)

// Microtasker queues work to run before the executor picks up its next task.
type Microtasker interface {
	QueueMicrotask(fn func())
}

// Poster submits work to the executor from any goroutine.
type Poster interface {
	Post(fn func()) bool
}

// Loop is the single-writer executor every store runs on.
//
// It owns two FIFO queues. Tasks are posted from any goroutine (transport
// deliveries, timers, async storage results). Microtasks are queued by code
// already running on the loop; after each task the loop drains microtasks to
// empty before dequeuing the next task. A cascade armed by several
// synchronous mutations therefore runs once, after the code that performed
// them returns.
//
// Thread-safety model:
//   - Post(): safe from any goroutine
//   - QueueMicrotask(): safe from any goroutine, but only meaningful from the loop
//   - Run() / Drain(): must be called from exactly one goroutine
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	micro  []func()
	closed bool
	signal chan struct{} // Signals task availability (buffered, size 1)

	logger *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger used for recovered panics.
func WithLoopLogger(l *slog.Logger) LoopOption {
	return func(loop *Loop) {
		loop.logger = l
	}
}

// NewLoop creates an empty executor.
func NewLoop(opts ...LoopOption) *Loop {
	l := &Loop{
		tasks:  make([]func(), 0, 64),
		micro:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var (
	defaultOnce sync.Once
	defaultLoop *Loop
)

// DefaultLoop returns the process-wide executor.
func DefaultLoop() *Loop {
	defaultOnce.Do(func() {
		defaultLoop = NewLoop()
	})
	return defaultLoop
}

// Post adds a task to the back of the task queue.
// Returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// QueueMicrotask adds fn to the microtask queue.
func (l *Loop) QueueMicrotask(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.micro = append(l.micro, fn)
	if l.closed {
		return
	}
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks and microtasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) + len(l.micro)
}

// Drain runs queued work on the calling goroutine until both queues are
// empty. Intended for manual mode (tests, CLI scenarios) where no goroutine
// is running Run.
func (l *Loop) Drain() {
	for {
		l.drainMicrotasks()
		fn, ok := l.tryDequeueTask()
		if !ok {
			if l.Len() == 0 {
				return
			}
			continue
		}
		l.exec(fn)
	}
}

// DrainMicrotasks runs queued microtasks only, leaving tasks in place.
func (l *Loop) DrainMicrotasks() {
	l.drainMicrotasks()
}

// Run drives the loop until ctx is cancelled or Close is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("loop starting")

	for {
		l.drainMicrotasks()

		if fn, ok := l.tryDequeueTask(); ok {
			l.exec(fn)
			continue
		}

		select {
		case <-ctx.Done():
			l.logger.Debug("loop stopping: context cancelled")
			l.Close()
			return ctx.Err()

		case _, open := <-l.signal:
			if !open && l.Len() == 0 {
				l.logger.Debug("loop stopping: closed")
				return nil
			}
		}
	}
}

// Close stops accepting tasks and wakes Run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

func (l *Loop) drainMicrotasks() {
	for {
		l.mu.Lock()
		if len(l.micro) == 0 {
			// Reset to reuse capacity once drained.
			l.micro = l.micro[:0]
			l.mu.Unlock()
			return
		}
		fn := l.micro[0]
		l.micro[0] = nil
		l.micro = l.micro[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) tryDequeueTask() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]

	// Nil out the slot so the closure can be collected.
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return fn, true
}

// exec runs fn, logging and swallowing panics so one bad listener does not
// stall the executor.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", "panic", r)
		}
	}()
	fn()
}
