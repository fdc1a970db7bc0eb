// Package scenario runs compiled scenario files against real containers,
// derived stores and sync registrations, and records a deterministic trace.
//
// Every session gets its own loop and cascade scheduler, like separate
// browser tabs. Synced containers meet on one in-process broadcast hub.
// Time comes from a deterministic clock that only moves on advance steps,
// and session ids are the session names, so a run is reproducible byte for
// byte.
//
// After each step the runner drains microtasks on every session (the
// synchronous part of a change: cascades and flushes). Posted tasks, such as
// delivered sync updates, only run on a settle step.
package scenario

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/cascade/internal/cascade"
	"github.com/roach88/cascade/internal/config"
	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/derive"
	"github.com/roach88/cascade/internal/equal"
	"github.com/roach88/cascade/internal/observable"
	"github.com/roach88/cascade/internal/persist"
	"github.com/roach88/cascade/internal/schedule"
	"github.com/roach88/cascade/internal/syncer"
	"github.com/roach88/cascade/internal/testutil"
	"github.com/roach88/cascade/internal/transport/broadcast"
)

// DefaultClockStart is the deterministic clock's starting time in
// milliseconds.
const DefaultClockStart = 1000

// maxSettleRounds bounds a settle step. Two sessions echoing updates at each
// other forever is a bug in the scenario, not something to wait out.
const maxSettleRounds = 10000

// ErrUnsettled is returned when a settle step never empties the loops.
var ErrUnsettled = errors.New("scenario: loops did not settle")

// ErrHydrationTimeout is returned when async storage has not answered every
// hydration read within the hydration timeout.
var ErrHydrationTimeout = errors.New("scenario: hydration timed out")

const hydrationTimeout = 10 * time.Second

// State is the state type of every scenario container.
type State = map[string]any

// Option configures Run.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	clockStart int64
	storage    persist.Storage
}

// WithLogger sets the logger handed to every component. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClockStart sets the deterministic clock's starting time.
func WithClockStart(ms int64) Option {
	return func(o *options) {
		o.clockStart = ms
	}
}

// WithStorage persists every container under "session/container" and
// hydrates it from storage before the first step. Runs against the same
// storage continue from the previous run's final state.
func WithStorage(st persist.Storage) Option {
	return func(o *options) {
		o.storage = st
	}
}

type session struct {
	name       string
	loop       *schedule.Loop
	sched      *cascade.Scheduler
	containers map[string]*container.Container[State]
	syncs      map[string]*syncer.Sync[State]
	derived    map[string]*derive.Derived[any]
	sources    map[string]observable.Source
}

type run struct {
	c        *config.Compiled
	logger   *slog.Logger
	storage  persist.Storage
	persists []*persist.Persister[State]
	clock    *testutil.DeterministicClock
	hub      *broadcast.Hub
	sessions []*session
	byName   map[string]*session

	step   int
	result *Result
}

// Run executes c and returns its trace.
func Run(c *config.Compiled, opts ...Option) (*Result, error) {
	o := &options{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		clockStart: DefaultClockStart,
	}
	for _, opt := range opts {
		opt(o)
	}

	r := &run{
		c:      c,
		logger:  o.logger,
		storage: o.storage,
		clock:  testutil.NewDeterministicClock(o.clockStart),
		hub:    broadcast.NewHub(broadcast.WithLogger(o.logger)),
		byName: make(map[string]*session),
		result: &Result{
			Scenario:   c.Name,
			Trace:      []Event{},
			Final:      make(map[string]map[string]any),
			Recomputes: make(map[string]int),
			sessions:   c.Sessions,
		},
	}
	defer r.close()

	if err := r.setup(); err != nil {
		return nil, fmt.Errorf("scenario %q: setup: %w", c.Name, err)
	}
	for i, step := range c.Steps {
		r.step = i + 1
		if err := r.exec(step); err != nil {
			return nil, fmt.Errorf("scenario %q: step %d (%s): %w", c.Name, r.step, step.Kind(), err)
		}
		r.drainMicrotasks()
	}
	r.collect()
	return r.result, nil
}

func (r *run) setup() error {
	for _, name := range r.c.Sessions {
		loop := schedule.NewLoop(schedule.WithLoopLogger(r.logger))
		s := &session{
			name:       name,
			loop:       loop,
			sched:      cascade.New(loop, cascade.WithLogger(r.logger)),
			containers: make(map[string]*container.Container[State]),
			syncs:      make(map[string]*syncer.Sync[State]),
			derived:    make(map[string]*derive.Derived[any]),
			sources:    make(map[string]observable.Source),
		}
		if err := r.build(s); err != nil {
			return err
		}
		r.sessions = append(r.sessions, s)
		r.byName[name] = s
	}

	if err := r.awaitHydration(); err != nil {
		return err
	}
	for _, w := range r.c.Watch {
		r.watch(r.byName[r.c.Session(w.Session)], w.Store)
	}
	return r.settle()
}

// awaitHydration drains the loops until every persisted container has
// hydrated. Async storage posts its reads back from other goroutines.
func (r *run) awaitHydration() error {
	deadline := time.Now().Add(hydrationTimeout)
	for {
		pending := 0
		for _, p := range r.persists {
			if !p.Hydrated() {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d containers pending", ErrHydrationTimeout, pending)
		}
		for _, s := range r.sessions {
			s.loop.Drain()
		}
		time.Sleep(time.Millisecond)
	}
}

func (r *run) build(s *session) error {
	for _, name := range r.c.ContainerNames() {
		def := r.c.Containers[name]
		initial, err := normalize(def.Initial)
		if err != nil {
			return fmt.Errorf("container %q: %w", name, err)
		}
		ct := container.New(initial, container.WithID[State](s.name+"/"+name))
		s.containers[name] = ct
		s.sources[name] = ct

		var sy *syncer.Sync[State]
		var hydration syncer.Hydration
		if r.storage != nil {
			p, err := persist.Attach(ct, r.storage, persist.Options[State]{
				Name:   s.name + "/" + name,
				Loop:   s.loop,
				Logger: r.logger,
				Metadata: func() (syncer.Metadata, bool) {
					if sy == nil {
						return syncer.Metadata{}, false
					}
					return sy.Metadata(), true
				},
			})
			if err != nil {
				return fmt.Errorf("container %q: %w", name, err)
			}
			hydration = p
			r.persists = append(r.persists, p)
		}

		if def.Sync == nil {
			continue
		}
		merge := make(map[string]syncer.MergeFunc)
		for field, m := range r.c.Merges[name] {
			merge[field] = m.Func(r.logger)
		}
		sy, err = syncer.Attach(ct, syncer.Config{
			Key:       def.Sync.Key,
			Fields:    def.Sync.Fields,
			Transport: &tracingTransport{inner: r.hub, run: r},
			Hydration: hydration,
			Merge:     merge,
			SessionID: s.name,
			Clock:     r.clock,
			Loop:      s.loop,
			Logger:    r.logger,
		})
		if err != nil {
			return fmt.Errorf("container %q: %w", name, err)
		}
		s.syncs[name] = sy
	}

	for _, name := range r.c.Order {
		d := r.derivedStore(s, name)
		s.derived[name] = d
		s.sources[name] = d
	}
	return nil
}

func (r *run) derivedStore(s *session, name string) *derive.Derived[any] {
	def := r.c.Derived[name]
	e := r.c.Exprs[name]

	opts := []derive.Option{
		derive.WithName(s.name + "/" + name),
		derive.WithScheduler(s.sched),
		derive.WithLoop(s.loop),
		derive.WithLogger(r.logger),
	}
	switch def.Equal {
	case "shallow":
		opts = append(opts, derive.WithEqual[any](equal.Shallow))
	case "deep":
		opts = append(opts, derive.WithEqual[any](equal.Deep))
	}
	if def.Lock {
		opts = append(opts, derive.WithLockDependencies())
	}
	if def.KeepAlive {
		opts = append(opts, derive.WithKeepAlive())
	}

	return derive.New(func(scope *derive.Scope) any {
		env := make(map[string]any, len(e.Deps))
		for _, dep := range e.Deps {
			src := s.sources[dep.Source]
			scope.Track(src).At(dep.Path...).Value()
			env[dep.Source] = scope.Peek(src)
		}
		out, err := e.Eval(env)
		if err != nil {
			panic(fmt.Errorf("evaluate %s: %w", name, err))
		}
		return out
	}, opts...)
}

func (r *run) watch(s *session, store string) {
	record := func(next, prev any) {
		r.record(Event{Kind: KindNotify, Session: s.name, Store: store, Next: next, Prev: prev})
	}
	if ct, ok := s.containers[store]; ok {
		ct.Subscribe(func(next, prev State) { record(next, prev) })
		return
	}
	s.derived[store].Subscribe(record)
}

func (r *run) exec(step config.Step) error {
	switch step.Kind() {
	case config.StepSet:
		return r.write(step.Set, false)
	case config.StepReplace:
		return r.write(step.Replace, true)
	case config.StepSettle:
		r.record(Event{Kind: KindStep, Detail: "settle"})
		return r.settle()
	case config.StepAdvance:
		now := r.clock.Advance(step.Advance)
		r.record(Event{Kind: KindStep, Detail: fmt.Sprintf("advance %d (now %d)", step.Advance, now)})
		return nil
	case config.StepRemote:
		return r.remote(step.Remote)
	case config.StepRead:
		return r.read(step.Read)
	}
	return errors.New("unknown step kind")
}

func (r *run) write(w *config.Write, replace bool) error {
	s := r.byName[r.c.Session(w.Session)]
	values, err := normalize(w.Values)
	if err != nil {
		return err
	}
	verb := config.StepSet
	if replace {
		verb = config.StepReplace
	}
	r.record(Event{Kind: KindStep, Detail: fmt.Sprintf("%s %s/%s %s", verb, s.name, w.Container, compact(values))})

	ct := s.containers[w.Container]
	if replace {
		next := make(State, len(values))
		for k, v := range values {
			if v != nil {
				next[k] = v
			}
		}
		ct.SetState(next)
		return nil
	}
	ct.Update(func(prev State) State {
		next := make(State, len(prev)+len(values))
		for k, v := range prev {
			next[k] = v
		}
		for k, v := range values {
			if v == nil {
				delete(next, k)
				continue
			}
			next[k] = v
		}
		return next
	})
	return nil
}

func (r *run) remote(rm *config.Remote) error {
	s := r.byName[r.c.Session(rm.Session)]
	raw := make(map[string]json.RawMessage, len(rm.Values))
	for k, v := range rm.Values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %q: %w", k, err)
		}
		raw[k] = data
	}
	u := syncer.Update{SessionID: rm.From, Timestamp: rm.Timestamp, Replace: rm.Replace, Values: raw}
	r.record(Event{Kind: KindStep, Detail: fmt.Sprintf("remote %s/%s from=%s ts=%d %s%s",
		s.name, rm.Container, rm.From, rm.Timestamp, values(raw), replaceSuffix(rm.Replace))})

	s.syncs[rm.Container].Apply(u)
	return nil
}

func (r *run) read(t *config.Target) error {
	s := r.byName[r.c.Session(t.Session)]
	r.record(Event{Kind: KindStep, Detail: fmt.Sprintf("read %s/%s", s.name, t.Store)})
	r.record(Event{Kind: KindRead, Session: s.name, Store: t.Store, Value: s.sources[t.Store].Current()})
	return nil
}

// settle drains every session's loop until all are idle.
func (r *run) settle() error {
	for round := 0; round < maxSettleRounds; round++ {
		busy := false
		for _, s := range r.sessions {
			if s.loop.Len() > 0 {
				busy = true
				s.loop.Drain()
			}
		}
		if !busy {
			return nil
		}
	}
	return ErrUnsettled
}

func (r *run) drainMicrotasks() {
	for _, s := range r.sessions {
		s.loop.DrainMicrotasks()
	}
}

func (r *run) record(e Event) {
	e.Seq = len(r.result.Trace) + 1
	e.Step = r.step
	r.result.Trace = append(r.result.Trace, e)
}

func (r *run) collect() {
	for _, s := range r.sessions {
		states := make(map[string]any, len(s.containers))
		for name, ct := range s.containers {
			states[name] = ct.GetState()
		}
		r.result.Final[s.name] = states
		for name, d := range s.derived {
			r.result.Recomputes[s.name+"/"+name] = d.DeriveCount()
		}
	}
}

func (r *run) close() {
	for _, s := range r.sessions {
		for _, ct := range s.containers {
			ct.Destroy()
		}
		for _, d := range s.derived {
			d.Destroy()
		}
		s.loop.Close()
	}
	// Final async writes must land before the storage is closed.
	for _, p := range r.persists {
		p.Close()
	}
}

// normalize round-trips v through JSON so numbers are float64 and nested
// maps are map[string]any, matching what the sync layer decodes.
func normalize(v map[string]any) (State, error) {
	if v == nil {
		return State{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
