package testutil

import (
	"fmt"
	"sync"
)

// SessionSequence hands out predictable session ids: "<prefix>-1",
// "<prefix>-2", ...
//
// Sync registrations default to UUIDv7 session ids. Tests and scenario runs
// inject these instead so traces and golden files are byte-identical across
// runs.
//
// Thread-safety: SessionSequence is safe for concurrent use.
type SessionSequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSessionSequence creates a sequence. An empty prefix means "session".
func NewSessionSequence(prefix string) *SessionSequence {
	if prefix == "" {
		prefix = "session"
	}
	return &SessionSequence{prefix: prefix}
}

// Next returns the next session id.
func (s *SessionSequence) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}
