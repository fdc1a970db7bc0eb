// Package broadcast is an in-process sync transport: a hub of named
// channels, the analogue of a same-origin broadcast channel.
//
// Delivery goes through each member's Registration.Apply, which posts to
// that member's executor. A member joining a channel is caught up from the
// current members' snapshots, one update per distinct field timestamp.
package broadcast

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/cascade/internal/syncer"
)

var _ syncer.Transport = (*Hub)(nil)

// Hub routes updates between registrations sharing a key.
//
// Thread-safety: Hub is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	channels map[string][]*member
	logger   *slog.Logger
	catchUp  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithoutCatchUp disables snapshot catch-up on join.
func WithoutCatchUp() Option {
	return func(h *Hub) {
		h.catchUp = false
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		channels: make(map[string][]*member),
		logger:   slog.Default(),
		catchUp:  true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type member struct {
	hub *Hub
	reg syncer.Registration
}

// Register joins reg to the channel named by reg.Key.
func (h *Hub) Register(reg syncer.Registration) (syncer.Handle, error) {
	m := &member{hub: h, reg: reg}

	h.mu.Lock()
	peers := append([]*member(nil), h.channels[reg.Key]...)
	h.channels[reg.Key] = append(h.channels[reg.Key], m)
	h.mu.Unlock()

	if h.catchUp {
		for _, peer := range peers {
			h.requestSnapshot(peer, m)
		}
	}
	return m, nil
}

// Members returns the number of registrations on key.
func (h *Hub) Members(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[key])
}

// Channels returns the keys with at least one member, sorted.
func (h *Hub) Channels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.channels))
	for k := range h.channels {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// requestSnapshot reads peer's state on peer's executor and replays it to
// joiner.
func (h *Hub) requestSnapshot(peer, joiner *member) {
	if peer.reg.Snapshot == nil || peer.reg.Post == nil {
		return
	}
	ok := peer.reg.Post(func() {
		for _, u := range syncer.SplitSnapshot(peer.reg.Snapshot()) {
			joiner.reg.Apply(u)
		}
	})
	if !ok {
		h.logger.Warn("catch-up skipped: peer loop closed",
			"key", peer.reg.Key,
			"peer", peer.reg.SessionID,
		)
	}
}

// Publish delivers u to every other member of the channel.
func (m *member) Publish(u syncer.Update) error {
	h := m.hub
	h.mu.Lock()
	peers := append([]*member(nil), h.channels[m.reg.Key]...)
	h.mu.Unlock()

	for _, peer := range peers {
		if peer == m || peer.reg.SessionID == u.SessionID {
			continue
		}
		peer.reg.Apply(u)
	}
	return nil
}

func (m *member) Destroy() {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[m.reg.Key]
	for i, other := range members {
		if other == m {
			members = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(h.channels, m.reg.Key)
		return
	}
	h.channels[m.reg.Key] = members
}
