// Package cascade coordinates recomputation of derived stores.
//
// A cascade is one microtask-bounded batch: every derived store invalidated
// by the synchronous mutations that preceded it recomputes at most once, in
// ascending rank order, and terminal watchers are then notified once, from a
// single flush queue.
//
// Thread-safety model: a Scheduler belongs to one executor. Every method must
// be called from the goroutine running that executor.
package cascade

import (
	"log/slog"
	"sync"

	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/schedule"
)

// DefaultMaxRounds bounds derive+flush rounds in one cascade. A round is
// repeated only when flush listeners mutate state, so hitting the bound means
// listeners keep feeding each other.
const DefaultMaxRounds = 100

// Task is a derive task. Identity is the pointer: enqueuing the same task
// twice upgrades its rank instead of duplicating it.
type Task struct {
	name string
	fn   func()
}

// NewTask creates a task that runs fn. name appears in logs.
func NewTask(name string, fn func()) *Task {
	return &Task{name: name, fn: fn}
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Scheduler is the cascade coordinator.
type Scheduler struct {
	micro  schedule.Microtasker
	logger *slog.Logger

	maxRounds int

	active  bool
	armed   bool
	current int

	buckets map[int][]*Task
	ranks   map[*Task]int

	flushOrder []string
	flush      map[string]func()

	epoch uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger for recovered task panics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithMaxRounds sets the derive+flush round limit per cascade.
//
// Default: 100 rounds (DefaultMaxRounds)
func WithMaxRounds(n int) Option {
	return func(s *Scheduler) {
		s.maxRounds = n
	}
}

// New creates a scheduler that arms cascades on micro.
func New(micro schedule.Microtasker, opts ...Option) *Scheduler {
	s := &Scheduler{
		micro:     micro,
		logger:    slog.Default(),
		maxRounds: DefaultMaxRounds,
		current:   -1,
		buckets:   make(map[int][]*Task),
		ranks:     make(map[*Task]int),
		flush:     make(map[string]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler
)

// Default returns the process-wide scheduler, bound to schedule.DefaultLoop.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = New(schedule.DefaultLoop())
	})
	return defaultSched
}

// IsCascadeActive reports whether a cascade has been armed and not yet reset.
// It stays true while the flush queue drains.
func (s *Scheduler) IsCascadeActive() bool {
	return s.active
}

// CurrentDeriveRank returns the rank of the bucket being executed, or -1
// outside bucket execution.
func (s *Scheduler) CurrentDeriveRank() int {
	return s.current
}

// ActivateCascade arms the cascade microtask. Idempotent until it fires.
func (s *Scheduler) ActivateCascade() {
	s.active = true
	if s.armed {
		return
	}
	s.armed = true
	s.micro.QueueMicrotask(s.run)
}

// EnqueueDerive queues task at rank. A task already queued keeps the higher
// of its current and the new rank. Negative ranks clamp to 0.
func (s *Scheduler) EnqueueDerive(task *Task, rank int) {
	if rank < 0 {
		rank = 0
	}
	if cur, queued := s.ranks[task]; queued {
		if rank <= cur {
			return
		}
		// The entry left in the lower bucket is skipped when that bucket runs.
	}
	s.ranks[task] = rank
	s.buckets[rank] = append(s.buckets[rank], task)
	s.ActivateCascade()
}

// JoinCascade queues flush for storeID in the flush queue. A store keeps its
// first position; the latest function wins.
func (s *Scheduler) JoinCascade(storeID string, flush func()) {
	if _, queued := s.flush[storeID]; !queued {
		s.flushOrder = append(s.flushOrder, storeID)
	}
	s.flush[storeID] = flush
	s.ActivateCascade()
}

// Pending returns the number of queued derive tasks and flush entries.
func (s *Scheduler) Pending() (derive, flush int) {
	return len(s.ranks), len(s.flushOrder)
}

// Epoch identifies the current dependency topology. Derived stores cache
// their rank per epoch.
func (s *Scheduler) Epoch() uint64 {
	return s.epoch
}

// BumpEpoch invalidates cached ranks. Called whenever a derived store's set
// of sources changes.
func (s *Scheduler) BumpEpoch() {
	s.epoch++
}

// run executes one cascade. armed stays set until reset, so work queued by
// tasks and flush listeners joins this cascade instead of arming another.
func (s *Scheduler) run() {
	metrics.Cascades.Inc()

	for round := 1; ; round++ {
		s.runBuckets()
		if len(s.flushOrder) == 0 {
			break
		}
		s.runFlush()
		if len(s.ranks) == 0 && len(s.flushOrder) == 0 {
			break
		}
		if round >= s.maxRounds {
			derive, flush := s.Pending()
			s.logger.Error("cascade did not settle; dropping remaining work",
				"rounds", round,
				"pending_derive", derive,
				"pending_flush", flush,
			)
			break
		}
	}
	s.reset()
}

func (s *Scheduler) runBuckets() {
	for {
		rank, ok := s.lowestBucket()
		if !ok {
			break
		}
		tasks := s.buckets[rank]
		delete(s.buckets, rank)
		s.current = rank

		for _, t := range tasks {
			if r, queued := s.ranks[t]; !queued || r != rank {
				continue
			}
			delete(s.ranks, t)
			metrics.DeriveTasks.Inc()
			s.exec("derive", t.name, rank, t.fn)
		}
	}
	s.current = -1
}

func (s *Scheduler) runFlush() {
	order, fns := s.flushOrder, s.flush
	s.flushOrder = nil
	s.flush = make(map[string]func())

	for _, id := range order {
		metrics.FlushTasks.Inc()
		s.exec("flush", id, -1, fns[id])
	}
}

func (s *Scheduler) lowestBucket() (int, bool) {
	lowest, found := 0, false
	for r := range s.buckets {
		if !found || r < lowest {
			lowest, found = r, true
		}
	}
	return lowest, found
}

func (s *Scheduler) reset() {
	s.active = false
	s.armed = false
	s.current = -1
	s.buckets = make(map[int][]*Task)
	s.ranks = make(map[*Task]int)
	s.flushOrder = nil
	s.flush = make(map[string]func())
}

// exec runs fn, logging and swallowing panics so the rest of the cascade
// still settles.
func (s *Scheduler) exec(kind, name string, rank int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cascade task panicked",
				"kind", kind,
				"task", name,
				"rank", rank,
				"panic", r,
			)
		}
	}()
	fn()
}
