package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/syncer"
)

var _ syncer.Transport = (*Transport)(nil)

// Transport connects registrations to a Relay.
type Transport struct {
	url      string
	dialer   *websocket.Dialer
	settings Settings
	logger   *slog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option {
	return func(t *Transport) {
		t.settings = s
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		t.dialer = d
	}
}

// WithLogger sets the transport's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// New returns a transport for the relay at relayURL (ws:// or wss://).
// Connections are opened per registration.
func New(relayURL string, opts ...Option) *Transport {
	t := &Transport{
		url:      relayURL,
		dialer:   websocket.DefaultDialer,
		settings: DefaultSettings(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register dials the relay room for reg.Key.
func (t *Transport) Register(reg syncer.Registration) (syncer.Handle, error) {
	u, err := url.Parse(t.url)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: relay url: %w", err)
	}
	q := u.Query()
	q.Set("key", reg.Key)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), t.settings.WriteTimeout)
	defer cancel()
	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial %s: %w", u.Redacted(), err)
	}

	h := &handle{
		t:      t,
		reg:    reg,
		conn:   conn,
		logger: t.logger.With("key", reg.Key, "session", reg.SessionID),
		done:   make(chan struct{}),
	}
	conn.SetPingHandler(func(data string) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.settings.WriteTimeout))
	})
	go h.readLoop()
	return h, nil
}

type handle struct {
	t      *Transport
	reg    syncer.Registration
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex // serializes writes
	once   sync.Once
	done   chan struct{}
	closed bool
}

func (h *handle) Publish(u syncer.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("wsrelay: connection closed")
	}
	h.conn.SetWriteDeadline(time.Now().Add(h.t.settings.WriteTimeout))
	return h.conn.WriteMessage(websocket.TextMessage, payload)
}

// Destroy sends a close frame and waits for the read loop to finish.
func (h *handle) Destroy() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(h.t.settings.WriteTimeout))
		h.mu.Unlock()

		select {
		case <-h.done:
		case <-time.After(h.t.settings.WriteTimeout):
		}
		h.conn.Close()
	})
}

func (h *handle) readLoop() {
	defer close(h.done)
	for {
		messageType, message, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				metrics.TransportErrors.Inc()
				h.logger.Info("relay connection lost", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var u syncer.Update
		if err := json.Unmarshal(message, &u); err != nil {
			metrics.TransportErrors.Inc()
			h.logger.Warn("undecodable relay frame dropped", "error", err)
			continue
		}
		if u.SessionID == h.reg.SessionID {
			continue
		}
		h.reg.Apply(u)
	}
}
