package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/cascade/internal/persist"
)

// DefaultPrefix namespaces storage keys.
const DefaultPrefix = "cascade:kv:"

var _ persist.Storage = (*Storage)(nil)

// Storage implements persist.Storage over Redis strings. It is an async
// adapter: hydration reads and writes run off the executor.
type Storage struct {
	client Client
	prefix string
}

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithPrefix replaces DefaultPrefix.
func WithPrefix(prefix string) StorageOption {
	return func(s *Storage) {
		s.prefix = prefix
	}
}

func NewStorage(client Client, opts ...StorageOption) *Storage {
	s := &Storage{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) key(k string) string {
	return s.prefix + persist.NormalizeKey(k)
}

func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key))
	if errors.Is(err, ErrNil) {
		return nil, persist.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return b, nil
}

func (s *Storage) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Keys returns the stored keys without the prefix.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.client.Scan(ctx, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, s.prefix))
	}
	return keys, nil
}

func (s *Storage) Contains(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.Exists(ctx, s.key(key))
	if err != nil {
		return false, fmt.Errorf("redis exists %q: %w", key, err)
	}
	return ok, nil
}

// Clear deletes every key under the prefix.
func (s *Storage) Clear(ctx context.Context) error {
	raw, err := s.client.Scan(ctx, s.prefix+"*")
	if err != nil {
		return err
	}
	return s.client.Del(ctx, raw...)
}

func (s *Storage) Async() bool { return true }
