package persist

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ErrNotFound is returned by Storage.Get for a key with no entry.
var ErrNotFound = errors.New("persist: key not found")

// ErrMalformed wraps decode failures of a stored envelope.
var ErrMalformed = errors.New("persist: malformed envelope")

// Storage is a string-keyed byte store.
//
// Async storage does I/O that must not block the executor: hydration reads
// run on a goroutine and writes go through an ordered background writer.
// Sync storage is called inline.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Contains(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Async() bool
}

// Watcher is implemented by storage that reports changes, including those
// made by other processes or other handles on the same storage.
type Watcher interface {
	Watch(fn func(key string, value []byte)) (stop func())
}

// NormalizeKey returns key in Unicode normalization form C, so visually
// identical names address the same entry.
func NormalizeKey(key string) string {
	return norm.NFC.String(key)
}

// MemoryStorage is an in-process Storage. A single instance shared by
// several containers behaves like one origin's local storage: every Set is
// reported to every watcher.
type MemoryStorage struct {
	mu       sync.RWMutex
	entries  map[string][]byte
	async    bool
	watchers map[int]func(key string, value []byte)
	nextID   int
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithAsync makes the storage report itself as async.
func WithAsync() MemoryOption {
	return func(m *MemoryStorage) {
		m.async = true
	}
}

// NewMemoryStorage returns an empty, sync MemoryStorage.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		entries:  make(map[string][]byte),
		watchers: make(map[int]func(string, []byte)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the entry under key, or ErrNotFound.
func (m *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[NormalizeKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value and notifies every watcher.
func (m *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	key = NormalizeKey(key)
	v := append([]byte(nil), value...)

	m.mu.Lock()
	m.entries[key] = v
	watchers := m.snapshotWatchers()
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(key, append([]byte(nil), v...))
	}
	return nil
}

// Delete removes key. Watchers are not notified.
func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, NormalizeKey(key))
	m.mu.Unlock()
	return nil
}

// Keys returns every stored key, sorted.
func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Contains reports whether key has an entry.
func (m *MemoryStorage) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[NormalizeKey(key)]
	return ok, nil
}

// Clear removes every entry.
func (m *MemoryStorage) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// Async reports whether WithAsync was given.
func (m *MemoryStorage) Async() bool { return m.async }

// Watch registers fn for every Set. fn runs on the writer's goroutine.
func (m *MemoryStorage) Watch(fn func(key string, value []byte)) (stop func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// snapshotWatchers returns the watchers in registration order. Caller holds mu.
func (m *MemoryStorage) snapshotWatchers() []func(string, []byte) {
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(string, []byte), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.watchers[id])
	}
	return out
}
