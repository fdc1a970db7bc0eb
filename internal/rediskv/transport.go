package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/syncer"
)

// ChannelPrefix namespaces sync channels: updates for key k travel on
// ChannelPrefix+k.
const ChannelPrefix = "cascade:sync:"

var _ syncer.Transport = (*Transport)(nil)

// Transport carries sync updates over Redis pub/sub.
type Transport struct {
	client  Client
	timeout time.Duration
	logger  *slog.Logger
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithTimeout bounds each publish and subscribe call (default 5s).
func WithTimeout(d time.Duration) TransportOption {
	return func(t *Transport) {
		t.timeout = d
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

func NewTransport(client Client, opts ...TransportOption) *Transport {
	t := &Transport{client: client, timeout: 5 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register subscribes to the registration's channel.
func (t *Transport) Register(reg syncer.Registration) (syncer.Handle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	channel := ChannelPrefix + reg.Key
	sub, err := t.client.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("redis transport: %w", err)
	}

	h := &handle{
		t:       t,
		reg:     reg,
		channel: channel,
		sub:     sub,
		logger:  t.logger.With("channel", channel, "session", reg.SessionID),
	}
	h.wg.Add(1)
	go h.receive()
	return h, nil
}

type handle struct {
	t       *Transport
	reg     syncer.Registration
	channel string
	sub     Subscription
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup
}

func (h *handle) Publish(u syncer.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.t.timeout)
	defer cancel()
	return h.t.client.Publish(ctx, h.channel, payload)
}

// Destroy closes the subscription and waits for the receiver to stop.
func (h *handle) Destroy() {
	h.once.Do(func() {
		if err := h.sub.Close(); err != nil {
			h.logger.Warn("close subscription", "error", err)
		}
		h.wg.Wait()
	})
}

func (h *handle) receive() {
	defer h.wg.Done()
	for msg := range h.sub.Channel() {
		var u syncer.Update
		if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
			metrics.TransportErrors.Inc()
			h.logger.Warn("undecodable sync message dropped", "error", err)
			continue
		}
		if u.SessionID == h.reg.SessionID {
			continue
		}
		h.reg.Apply(u)
	}
}
