package rediskv

import (
	"context"
	"path"
	"sort"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// fakeClient is an in-memory Client. Publishes reach every subscriber of
// the channel, including the publisher's own subscription, as in Redis.
type fakeClient struct {
	mu     sync.Mutex
	data   map[string][]byte
	subs   map[string][]*fakeSub
}

func newFakeClient() *fakeClient {
	return &fakeClient{data: make(map[string][]byte), subs: make(map[string][]*fakeSub)}
}

func (f *fakeClient) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNil
	}
	return append([]byte(nil), v...), nil
}

func (f *fakeClient) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeClient) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeClient) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeClient) Scan(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.data {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeClient) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]*fakeSub(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, s := range subs {
		s.deliver(&redis.Message{Channel: channel, Payload: string(payload)})
	}
	return nil
}

func (f *fakeClient) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &fakeSub{ch: make(chan *redis.Message, 64)}
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], s)
	f.mu.Unlock()
	return s, nil
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan *redis.Message
	closed bool
}

func (s *fakeSub) deliver(m *redis.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- m
	}
}

func (s *fakeSub) Channel() <-chan *redis.Message { return s.ch }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
