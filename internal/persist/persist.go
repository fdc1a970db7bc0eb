// Package persist stores a container's state in a Storage and restores it on
// startup (hydration).
//
// Every committed set writes an envelope {state, version, syncMetadata}
// under the container's name. Writes run from the container's commit hook,
// after every setter middleware has returned, so the sync metadata written
// includes the set being persisted.
//
// Attach starts hydration immediately: sync storage is read inline, async
// storage on a goroutine whose result is posted to the loop. Hydration runs
// in this order:
//
//  1. the persisted state is decoded, migrated and merged into the container
//     (bypassing middleware, so the sync layer does not see it as a local
//     write)
//  2. OnHydrated callbacks run
//  3. the hydrated state is written back, which fires OnFlushEnd callbacks
//
// Persister implements syncer.Hydration, so queued sync traffic is released
// only after step 3.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/schedule"
	"github.com/roach88/cascade/internal/syncer"
)

var ErrMissingName = errors.New("persist: name is required")

// Options configures Attach.
type Options[S any] struct {
	// Name is the storage key. Required. NFC-normalized.
	Name string

	// Version is written with every envelope. A persisted envelope with a
	// different version is passed to Migrate.
	Version int

	// Migrate converts a persisted state of an older version. Without it, a
	// version mismatch discards the persisted state.
	Migrate func(persisted json.RawMessage, version int) (S, error)

	// Merge combines the persisted state with the current one. Default: the
	// persisted state wins.
	Merge func(persisted, current S) S

	// Metadata supplies the sync metadata written with each envelope.
	Metadata func() (syncer.Metadata, bool)

	// Serializer defaults to JSON.
	Serializer Serializer

	// Loop is the container's executor. Default: schedule.DefaultLoop().
	Loop *schedule.Loop

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Persister is one container's persistence registration.
//
// Not safe for concurrent use: all calls happen on the executor, except Wait.
type Persister[S any] struct {
	c       *container.Container[S]
	storage Storage
	opts    Options[S]
	key     string
	ser     Serializer
	loop    *schedule.Loop
	logger  *slog.Logger

	hydrated   bool
	hydrating  bool
	onHydrated callbacks
	onFlushEnd callbacks
	writes     *writer

	mu      sync.Mutex
	done    chan struct{}
	hydrErr error
	persist *Envelope

	uncommit  func()
	destroyed bool
}

// Attach installs persistence on c and starts hydration.
func Attach[S any](c *container.Container[S], storage Storage, opts Options[S]) (*Persister[S], error) {
	if opts.Name == "" {
		return nil, ErrMissingName
	}
	if storage == nil {
		return nil, fmt.Errorf("persist %q: storage is required", opts.Name)
	}
	if opts.Serializer == nil {
		opts.Serializer = JSON{}
	}
	if opts.Loop == nil {
		opts.Loop = schedule.DefaultLoop()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	key := NormalizeKey(opts.Name)
	p := &Persister[S]{
		c:       c,
		storage: storage,
		opts:    opts,
		key:     key,
		ser:     opts.Serializer,
		loop:    opts.Loop,
		logger:  opts.Logger.With("persist_key", key),
		done:    make(chan struct{}),
	}
	if storage.Async() {
		p.writes = newWriter(storage, p.logger)
	}

	p.uncommit = c.OnCommit(p.committed)
	c.OnDestroy(p.Destroy)
	p.hydrate(context.Background())
	return p, nil
}

// Key returns the normalized storage key.
func (p *Persister[S]) Key() string { return p.key }

// Hydrated implements syncer.Hydration.
func (p *Persister[S]) Hydrated() bool { return p.hydrated }

// OnHydrated implements syncer.Hydration. Callbacks run on every completed
// hydration, including Rehydrate.
func (p *Persister[S]) OnHydrated(cb func()) func() { return p.onHydrated.add(cb) }

// OnFlushEnd implements syncer.Hydration. Callbacks run after every
// completed write.
func (p *Persister[S]) OnFlushEnd(cb func()) func() { return p.onFlushEnd.add(cb) }

// Wait blocks until the current hydration completes and returns its error.
// Safe to call from any goroutine other than the one running the loop.
func (p *Persister[S]) Wait(ctx context.Context) error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.hydrErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Persisted returns the envelope read by the last hydration, if any.
func (p *Persister[S]) Persisted() (Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.persist == nil {
		return Envelope{}, false
	}
	return *p.persist, true
}

// Rehydrate reads the storage again and merges it into the container.
func (p *Persister[S]) Rehydrate(ctx context.Context) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.done = make(chan struct{})
	default:
	}
	p.mu.Unlock()
	p.hydrate(ctx)
}

// Destroy stops writing. Pending async writes still complete.
func (p *Persister[S]) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.uncommit()
	if p.writes != nil {
		p.writes.close()
	}
}

// Close destroys p and blocks until queued async writes have reached
// storage.
func (p *Persister[S]) Close() {
	p.Destroy()
	if p.writes != nil {
		p.writes.wait()
	}
}

func (p *Persister[S]) committed() {
	// Before hydration the write-back persists the merged state.
	if !p.hydrated || p.destroyed {
		return
	}
	p.write()
}

func (p *Persister[S]) hydrate(ctx context.Context) {
	if p.hydrating {
		return
	}
	p.hydrating = true

	if !p.storage.Async() {
		raw, err := p.storage.Get(ctx, p.key)
		p.finishHydrate(raw, err)
		return
	}
	go func() {
		raw, err := p.storage.Get(ctx, p.key)
		if !p.loop.Post(func() { p.finishHydrate(raw, err) }) {
			p.logger.Warn("hydration dropped: loop closed")
		}
	}()
}

func (p *Persister[S]) finishHydrate(raw []byte, readErr error) {
	p.hydrating = false
	if p.destroyed {
		p.complete(nil)
		return
	}

	err := p.load(raw, readErr)
	if err != nil {
		p.logger.Error("hydration failed, keeping current state", "error", err)
	}

	p.hydrated = true
	p.onHydrated.run()
	p.write()
	p.complete(err)
}

// load decodes raw into the container. A missing key is not an error.
func (p *Persister[S]) load(raw []byte, readErr error) error {
	if errors.Is(readErr, ErrNotFound) {
		return nil
	}
	if readErr != nil {
		return fmt.Errorf("persist %q: read: %w", p.key, readErr)
	}

	env, err := p.ser.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("persist %q: %w", p.key, err)
	}
	p.mu.Lock()
	p.persist = &env
	p.mu.Unlock()

	state, ok, err := p.decode(env)
	if err != nil {
		return fmt.Errorf("persist %q: %w", p.key, err)
	}
	if !ok {
		return nil
	}

	if p.opts.Merge != nil {
		current := p.c.GetState()
		state = p.opts.Merge(state, current)
	}
	p.c.SetRaw(func(S) S { return state })
	return nil
}

func (p *Persister[S]) decode(env Envelope) (S, bool, error) {
	var state S
	version := 0
	if env.Version != nil {
		version = *env.Version
	}

	if version != p.opts.Version {
		if p.opts.Migrate == nil {
			p.logger.Warn("persisted version mismatch without migration, discarding",
				"persisted_version", version,
				"version", p.opts.Version,
			)
			return state, false, nil
		}
		migrated, err := p.opts.Migrate(env.State, version)
		if err != nil {
			return state, false, fmt.Errorf("migrate from version %d: %w", version, err)
		}
		return migrated, true, nil
	}

	if err := json.Unmarshal(env.State, &state); err != nil {
		return state, false, fmt.Errorf("%w: state: %v", ErrMalformed, err)
	}
	return state, true, nil
}

// write stores the current state. Flush-end listeners run once the write
// settles, whether or not it succeeded.
func (p *Persister[S]) write() {
	data, err := p.encode()
	if err != nil {
		p.logger.Error("persist write skipped", "error", err)
		p.onFlushEnd.run()
		return
	}

	if p.writes == nil {
		if err := p.storage.Set(context.Background(), p.key, data); err != nil {
			p.logger.Error("persist write failed", "error", err)
		}
		p.onFlushEnd.run()
		return
	}
	p.writes.submit(p.key, data, func() {
		p.loop.Post(p.onFlushEnd.run)
	})
}

func (p *Persister[S]) encode() ([]byte, error) {
	state, err := json.Marshal(p.c.GetState())
	if err != nil {
		return nil, fmt.Errorf("persist %q: encode state: %w", p.key, err)
	}
	env := Envelope{State: state}
	if p.opts.Version != 0 {
		v := p.opts.Version
		env.Version = &v
	}
	if p.opts.Metadata != nil {
		if meta, ok := p.opts.Metadata(); ok {
			env.SyncMetadata = &meta
		}
	}
	return p.ser.Marshal(env)
}

func (p *Persister[S]) complete(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hydrErr = err
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// callbacks is an ordered, removable list of hooks.
type callbacks struct {
	next int
	fns  []callback
}

type callback struct {
	id int
	fn func()
}

func (c *callbacks) add(fn func()) func() {
	id := c.next
	c.next++
	c.fns = append(c.fns, callback{id: id, fn: fn})
	return func() {
		for i, cb := range c.fns {
			if cb.id == id {
				c.fns = append(c.fns[:i:i], c.fns[i+1:]...)
				return
			}
		}
	}
}

// run calls a snapshot of the hooks, so hooks may unregister themselves.
func (c *callbacks) run() {
	fns := append([]callback(nil), c.fns...)
	for _, cb := range fns {
		cb.fn()
	}
}
