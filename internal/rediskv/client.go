// Package rediskv connects containers to Redis: a key/value Storage for
// persistence and a pub/sub Transport for sync.
//
// Both sit behind Client, the minimal surface they need, so tests run
// against an in-memory fake and production wraps go-redis.
package rediskv

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// ErrNil is returned by Client.Get for a missing key.
var ErrNil = errors.New("rediskv: nil")

// Client abstracts the Redis commands used by Storage and Transport.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is an open pub/sub subscription.
type Subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// GoRedisClient implements Client with github.com/redis/go-redis/v9.
// Use NewGoRedisClient to construct it with an address like "127.0.0.1:6379".
type GoRedisClient struct{ c redis.UniversalClient }

// NewGoRedisClient connects to a single server at addr.
func NewGoRedisClient(addr string) *GoRedisClient {
	return &GoRedisClient{c: redis.NewClient(&redis.Options{Addr: addr})}
}

// WrapClient adapts an existing go-redis client.
func WrapClient(c redis.UniversalClient) *GoRedisClient {
	return &GoRedisClient{c: c}
}

func (g *GoRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := g.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNil
	}
	return b, err
}

func (g *GoRedisClient) Set(ctx context.Context, key string, value []byte) error {
	return g.c.Set(ctx, key, value, 0).Err()
}

func (g *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return g.c.Del(ctx, keys...).Err()
}

func (g *GoRedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.c.Exists(ctx, key).Result()
	return n > 0, err
}

func (g *GoRedisClient) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := g.c.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return keys, nil
}

func (g *GoRedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.c.Publish(ctx, channel, payload).Err()
}

// Subscribe waits for the subscription to be confirmed before returning.
func (g *GoRedisClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := g.c.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	return goSubscription{ps}, nil
}

type goSubscription struct{ ps *redis.PubSub }

func (s goSubscription) Channel() <-chan *redis.Message { return s.ps.Channel() }
func (s goSubscription) Close() error                   { return s.ps.Close() }

// Ping checks that the server is reachable.
func (g *GoRedisClient) Ping(ctx context.Context) error {
	return g.c.Ping(ctx).Err()
}

// Close closes the underlying client.
func (g *GoRedisClient) Close() error {
	return g.c.Close()
}
