// Package storageevent syncs containers through a shared Storage's change
// notifications, the analogue of browser storage events.
//
// Nothing is sent on Publish: the persistence layer already writes each
// change with its sync metadata. When the storage reports a write to a
// watched key, the update is rebuilt from the envelope: the fields whose
// last-write timestamp equals the envelope timestamp, valued from the
// persisted state. Writes whose metadata names this registration's session
// are ignored.
package storageevent

import (
	"log/slog"
	"sync"

	"github.com/roach88/cascade/internal/persist"
	"github.com/roach88/cascade/internal/syncer"
)

var _ syncer.Transport = (*Transport)(nil)

// Transport turns storage change notifications into sync updates.
type Transport struct {
	watcher    persist.Watcher
	serializer persist.Serializer
	keyFor     func(syncKey string) string
	logger     *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithSerializer decodes envelopes with s instead of persist.JSON.
func WithSerializer(s persist.Serializer) Option {
	return func(t *Transport) {
		t.serializer = s
	}
}

// WithStorageKey maps a sync key to the storage key its container is
// persisted under. Default: the sync key itself.
func WithStorageKey(fn func(syncKey string) string) Option {
	return func(t *Transport) {
		t.keyFor = fn
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

func New(w persist.Watcher, opts ...Option) *Transport {
	t := &Transport{
		watcher:    w,
		serializer: persist.JSON{},
		keyFor:     func(k string) string { return k },
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register starts watching the registration's storage key.
func (t *Transport) Register(reg syncer.Registration) (syncer.Handle, error) {
	key := persist.NormalizeKey(t.keyFor(reg.Key))
	h := &handle{
		t:      t,
		reg:    reg,
		key:    key,
		logger: t.logger.With("storage_key", key, "session", reg.SessionID),
	}
	h.stop = t.watcher.Watch(h.onChange)
	return h, nil
}

type handle struct {
	t      *Transport
	reg    syncer.Registration
	key    string
	logger *slog.Logger

	once sync.Once
	stop func()
}

// Publish is a no-op: the persisted write is the message.
func (h *handle) Publish(syncer.Update) error { return nil }

func (h *handle) Destroy() {
	h.once.Do(h.stop)
}

func (h *handle) onChange(key string, value []byte) {
	if key != h.key {
		return
	}
	env, err := h.t.serializer.Unmarshal(value)
	if err != nil {
		h.logger.Warn("storage event ignored", "error", err)
		return
	}
	meta := env.SyncMetadata
	if meta == nil || meta.Origin == h.reg.SessionID {
		return
	}
	u, ok := syncer.FromMetadata(*meta, persist.FieldValues(env.State))
	if !ok {
		return
	}
	h.reg.Apply(u)
}
