// Package syncer propagates field changes of a container between instances.
//
// Attach wraps the container's setter. Every local change is diffed per
// field, stamped with a monotonic timestamp and published through the
// transport. Remote updates are applied field by field under last-write-wins:
// a value is taken only if its update is newer than the field's last local
// write.
//
// Hydration gates both directions. Before persisted state has loaded, local
// publishes are queued (and re-stamped when flushed) and remote updates are
// held until hydration completes and the hydrated state has been written
// back, so a remote value is never clobbered by the hydration read.
package syncer

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/roach88/cascade/internal/container"
	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/schedule"
)

// MergeFunc combines an incoming remote field value with the current local
// one. The result must have the field's type; anything else is logged and
// the field is skipped.
type MergeFunc func(incoming, current any) any

// Config configures Attach.
type Config struct {
	// Key names the sync channel. Required.
	Key string

	// Fields limits syncing to these fields. Default: every field of a
	// struct state, every key of a map state.
	Fields []string

	// Transport carries updates. Required.
	Transport Transport

	// Merge holds per-field merge functions.
	Merge map[string]MergeFunc

	// Hydration gates sync until persisted state is loaded. Optional.
	Hydration Hydration

	// SessionID identifies this instance. Default: a UUIDv7.
	SessionID string

	// Clock supplies wall time. Default: WallClock.
	Clock Clock

	// Loop is the container's executor. Default: schedule.DefaultLoop().
	Loop *schedule.Loop

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type queuedPublish struct {
	replace bool
	values  map[string]json.RawMessage
}

// Sync is one container's sync registration.
//
// Not safe for concurrent use: all calls happen on the executor, except
// those documented otherwise.
type Sync[S any] struct {
	c      *container.Container[S]
	key    string
	codec  *fieldCodec[S]
	merge  map[string]MergeFunc
	clock  Clock
	stamps *Stamper
	loop   *schedule.Loop
	logger *slog.Logger

	session   string
	handle    Handle
	hydration Hydration

	lastWrite map[string]int64

	applyingRemote bool
	hydrated       bool
	awaitingFlush  bool
	pendingPublish []queuedPublish
	pendingRemote  []Update
	unsubscribes   []func()
	destroyed      bool
}

// Attach installs sync on c. Configuration errors are returned immediately.
func Attach[S any](c *container.Container[S], cfg Config) (*Sync[S], error) {
	if cfg.Key == "" {
		return nil, configError("", ErrMissingKey, "sync key is required")
	}
	if cfg.Transport == nil {
		return nil, configError(cfg.Key, ErrMissingTransport, "transport is required")
	}
	codec, err := newFieldCodec[S](cfg.Key, cfg.Fields)
	if err != nil {
		return nil, err
	}
	for field := range cfg.Merge {
		if !codec.tracks(field) {
			return nil, configError(cfg.Key, ErrUnknownField, "merge function for untracked field %q", field)
		}
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.Must(uuid.NewV7()).String()
	}
	if cfg.Clock == nil {
		cfg.Clock = WallClock
	}
	if cfg.Loop == nil {
		cfg.Loop = schedule.DefaultLoop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Sync[S]{
		c:         c,
		key:       cfg.Key,
		codec:     codec,
		merge:     cfg.Merge,
		clock:     cfg.Clock,
		stamps:    NewStamper(),
		loop:      cfg.Loop,
		logger:    cfg.Logger.With("sync_key", cfg.Key, "session", cfg.SessionID),
		session:   cfg.SessionID,
		lastWrite: make(map[string]int64),
		hydrated:  true,
	}

	handle, err := cfg.Transport.Register(Registration{
		Key:       cfg.Key,
		SessionID: cfg.SessionID,
		Fields:    codec.fields,
		Apply:     s.receive,
		Snapshot:  s.Snapshot,
		Post:      s.loop.Post,
	})
	if err != nil {
		return nil, configError(cfg.Key, err, "register transport: %v", err)
	}
	s.handle = handle

	s.hydration = cfg.Hydration
	if s.hydration == nil {
		if h, ok := handle.(Hydration); ok {
			s.hydration = h
		}
	}
	if s.hydration != nil && !s.hydration.Hydrated() {
		s.hydrated = false
		s.unsubscribes = append(s.unsubscribes, s.hydration.OnHydrated(s.onHydrated))
	}

	c.Use(s.middleware)
	c.OnDestroy(s.Destroy)
	return s, nil
}

// SessionID returns the registration's session id.
func (s *Sync[S]) SessionID() string { return s.session }

// Key returns the sync key.
func (s *Sync[S]) Key() string { return s.key }

// Hydrated reports whether outbound publishing is open.
func (s *Sync[S]) Hydrated() bool { return s.hydrated }

// LastWrite returns the last-write timestamp of field (0 if never written).
func (s *Sync[S]) LastWrite(field string) int64 { return s.lastWrite[field] }

// Pending returns the number of queued local publishes and remote updates.
func (s *Sync[S]) Pending() (publishes, remotes int) {
	return len(s.pendingPublish), len(s.pendingRemote)
}

// Metadata returns the sync metadata to persist with the current state.
func (s *Sync[S]) Metadata() Metadata {
	fields := make(map[string]int64, len(s.lastWrite))
	var latest int64
	for f, ts := range s.lastWrite {
		fields[f] = ts
		latest = max(latest, ts)
	}
	return Metadata{Origin: s.session, Timestamp: latest, Fields: fields}
}

// Snapshot returns every tracked field's value and last-write timestamp.
func (s *Sync[S]) Snapshot() Snapshot {
	state := s.c.GetState()
	snap := Snapshot{
		SessionID: s.session,
		Values:    make(map[string]json.RawMessage),
		Fields:    make(map[string]int64),
	}
	for _, f := range s.codec.tracked(state) {
		raw, err := s.codec.encode(state, f)
		if err != nil {
			s.logger.Warn("snapshot field skipped", "field", f, "error", err)
			continue
		}
		snap.Values[f] = raw
		snap.Fields[f] = s.lastWrite[f]
	}
	return snap
}

// Destroy detaches from the transport and hydration signals. The setter
// middleware stays installed but passes changes through untouched.
func (s *Sync[S]) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	for _, unsub := range s.unsubscribes {
		unsub()
	}
	s.unsubscribes = nil
	s.pendingPublish = nil
	s.pendingRemote = nil
	if s.handle != nil {
		s.handle.Destroy()
	}
}

// Apply applies a remote update, or queues it while hydration is pending.
// Updates carrying this registration's own session id are ignored.
func (s *Sync[S]) Apply(u Update) {
	if s.destroyed || u.SessionID == s.session {
		return
	}
	if !s.hydrated || s.awaitingFlush {
		s.pendingRemote = append(s.pendingRemote, u)
		s.logger.Debug("remote update queued until hydration settles",
			"timestamp", u.Timestamp,
			"fields", u.Fields(),
		)
		return
	}
	s.apply(u)
}

// receive is the transport-facing Apply: it hops onto the executor.
func (s *Sync[S]) receive(u Update) {
	if !s.loop.Post(func() { s.Apply(u) }) {
		s.logger.Warn("remote update dropped: loop closed", "timestamp", u.Timestamp)
	}
}

func (s *Sync[S]) middleware(next container.SetFunc[S]) container.SetFunc[S] {
	return func(fn func(S) S, replace bool) {
		prev := s.c.GetState()
		next(fn, replace)
		if s.applyingRemote || s.destroyed {
			return
		}
		s.recordLocal(prev, s.c.GetState(), replace)
	}
}

// recordLocal stamps and publishes the fields a local set changed.
func (s *Sync[S]) recordLocal(prev, cur S, replace bool) {
	var changed []string
	if replace {
		changed = s.codec.union(prev, cur)
	} else {
		for _, f := range s.codec.union(prev, cur) {
			if s.codec.changed(prev, cur, f) {
				changed = append(changed, f)
			}
		}
	}
	if len(changed) == 0 {
		return
	}

	values := make(map[string]json.RawMessage, len(changed))
	for _, f := range changed {
		raw, err := s.codec.encode(cur, f)
		if err != nil {
			s.logger.Warn("local field not synced", "field", f, "error", err)
			continue
		}
		values[f] = raw
	}

	ts := s.stamps.Next(s.clock.Now())
	for f := range values {
		s.lastWrite[f] = ts
	}

	if !s.hydrated {
		s.pendingPublish = append(s.pendingPublish, queuedPublish{replace: replace, values: values})
		return
	}
	s.publish(Update{SessionID: s.session, Timestamp: ts, Replace: replace, Values: values})
}

func (s *Sync[S]) publish(u Update) {
	if err := s.handle.Publish(u); err != nil {
		metrics.TransportErrors.Inc()
		s.logger.Warn("sync publish failed",
			"timestamp", u.Timestamp,
			"error", &Error{Code: ErrCodeTransport, Key: s.key, Message: "publish failed", Err: err},
		)
		return
	}
	metrics.SyncPublished.Inc()
}

func (s *Sync[S]) onHydrated() {
	if s.destroyed || s.hydrated {
		return
	}
	s.hydrated = true

	// Queued local writes go out in order, each stamped now. A field is sent
	// only while the state still holds the value it was written with: hydration
	// may have replaced it, and a later queued write supersedes an earlier one.
	queued := s.pendingPublish
	s.pendingPublish = nil
	cur := s.c.GetState()
	claimed := make(map[string]bool)
	for _, q := range queued {
		values := make(map[string]json.RawMessage, len(q.values))
		for f, written := range q.values {
			if _, seen := claimed[f]; !seen {
				claimed[f] = false
			}
			raw, err := s.codec.encode(cur, f)
			if err != nil || !bytes.Equal(raw, written) {
				continue
			}
			values[f] = raw
		}
		if len(values) == 0 {
			continue
		}
		ts := s.stamps.Next(s.clock.Now())
		for f := range values {
			s.lastWrite[f] = ts
			claimed[f] = true
		}
		// A partial replace would clear the skipped fields on peers.
		replace := q.replace && len(values) == len(q.values)
		s.publish(Update{SessionID: s.session, Timestamp: ts, Replace: replace, Values: values})
	}
	// Fields whose queued writes were all dropped hold hydrated values that
	// no local write produced.
	for f, ok := range claimed {
		if !ok {
			delete(s.lastWrite, f)
		}
	}

	// Remote updates wait for the write-back of the hydrated state.
	s.awaitingFlush = true
	var unsub func()
	unsub = s.hydration.OnFlushEnd(func() {
		if unsub != nil {
			unsub()
		}
		s.onFlushEnd()
	})
	s.unsubscribes = append(s.unsubscribes, unsub)
}

func (s *Sync[S]) onFlushEnd() {
	if s.destroyed || !s.awaitingFlush {
		return
	}
	s.awaitingFlush = false
	queued := s.pendingRemote
	s.pendingRemote = nil
	for _, u := range queued {
		s.apply(u)
	}
}

// apply merges u into the container under last-write-wins.
func (s *Sync[S]) apply(u Update) {
	s.stamps.Observe(u.Timestamp)

	cur := s.c.GetState()
	next := cur
	dirty := false

	if u.Replace {
		for _, f := range s.codec.tracked(cur) {
			if _, present := u.Values[f]; present {
				continue
			}
			if s.lastWrite[f] >= u.Timestamp {
				continue
			}
			if _, ok := s.codec.get(next, f); !ok {
				continue
			}
			next = s.codec.clear(next, f)
			s.lastWrite[f] = u.Timestamp
			dirty = true
		}
	}

	fields := make([]string, 0, len(u.Values))
	for f := range u.Values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, f := range fields {
		if !s.codec.tracks(f) {
			s.logger.Debug("remote field not tracked", "field", f)
			continue
		}
		if u.Timestamp <= s.lastWrite[f] {
			metrics.SyncRejectedStale.Inc()
			s.logger.Debug("stale remote field rejected",
				"field", f,
				"timestamp", u.Timestamp,
				"last_write", s.lastWrite[f],
			)
			continue
		}

		raw := u.Values[f]
		if s.codec.isMap && bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			next = s.codec.clear(next, f)
			s.lastWrite[f] = u.Timestamp
			dirty = true
			continue
		}

		val, err := s.codec.decode(f, raw)
		if err != nil {
			metrics.SyncMergeViolations.Inc()
			s.logger.Warn("remote field skipped",
				"error", &Error{Code: ErrCodeDecode, Key: s.key, Field: f, Message: "value does not fit field", Err: err},
			)
			continue
		}

		if merge := s.merge[f]; merge != nil {
			current, _ := s.codec.get(next, f)
			merged := merge(val, current)
			if !s.codec.accepts(f, merged, val, current) {
				metrics.SyncMergeViolations.Inc()
				s.logger.Warn("remote field skipped",
					"error", &Error{Code: ErrCodeMergeType, Key: s.key, Field: f, Message: "merge result has the wrong type"},
				)
				continue
			}
			val = merged
		}

		next = s.codec.set(next, f, val)
		s.lastWrite[f] = u.Timestamp
		dirty = true
		metrics.SyncAppliedFields.Inc()
	}

	if !dirty {
		return
	}
	s.applyingRemote = true
	defer func() { s.applyingRemote = false }()
	s.c.Set(func(S) S { return next }, false)
}
