// Package wsrelay syncs containers in separate processes through a
// WebSocket relay.
//
// Relay is an http.Handler that groups connections into rooms by the "key"
// query parameter and forwards every text frame a connection sends to the
// other connections in its room. Transport is the client side: each
// registration holds one connection to the relay for its key.
//
// Frames are JSON-encoded syncer.Update values. The relay validates but
// does not interpret them.
package wsrelay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/syncer"
)

// Settings holds connection timing for both relay and client.
type Settings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	SendBuffer   int
}

func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 5 * time.Second,
		PingInterval: 10 * time.Second,
		ReadTimeout:  30 * time.Second,
		SendBuffer:   64,
	}
}

// Relay fans sync frames out to the other members of a room.
type Relay struct {
	settings Settings
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*peer]struct{}
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRelaySettings replaces DefaultSettings.
func WithRelaySettings(s Settings) RelayOption {
	return func(r *Relay) {
		r.settings = s
	}
}

// WithRelayLogger sets the relay's logger.
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = l
	}
}

// WithCheckOrigin overrides the upgrader's origin check.
func WithCheckOrigin(fn func(*http.Request) bool) RelayOption {
	return func(r *Relay) {
		r.upgrader.CheckOrigin = fn
	}
}

func NewRelay(opts ...RelayOption) *Relay {
	r := &Relay{
		settings: DefaultSettings(),
		logger:   slog.Default(),
		rooms:    make(map[string]map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type peer struct {
	conn *websocket.Conn
	room string
	send chan []byte
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	room := req.URL.Query().Get("key")
	if room == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn, room: room, send: make(chan []byte, r.settings.SendBuffer)}
	r.join(p)
	metrics.RelayConnections.Inc()
	logger := r.logger.With("room", room, "remote", req.RemoteAddr)
	logger.Debug("relay peer joined")

	go r.writeLoop(p, logger)
	r.readLoop(p, logger)

	r.leave(p)
	metrics.RelayConnections.Dec()
	logger.Debug("relay peer left")
}

// Rooms returns the number of connections per room.
func (r *Relay) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.rooms))
	for room, peers := range r.rooms {
		out[room] = len(peers)
	}
	return out
}

// RoomNames returns the rooms with at least one connection, sorted.
func (r *Relay) RoomNames() []string {
	rooms := r.Rooms()
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) join(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[p.room] == nil {
		r.rooms[p.room] = make(map[*peer]struct{})
	}
	r.rooms[p.room][p] = struct{}{}
}

// leave removes p and closes its send channel, which stops its write loop.
func (r *Relay) leave(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms[p.room], p)
	if len(r.rooms[p.room]) == 0 {
		delete(r.rooms, p.room)
	}
	close(p.send)
}

func (r *Relay) readLoop(p *peer, logger *slog.Logger) {
	p.conn.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
	})

	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("relay read error", "error", err)
			}
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(r.settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		var u syncer.Update
		if err := json.Unmarshal(message, &u); err != nil {
			metrics.TransportErrors.Inc()
			logger.Warn("relay dropped undecodable frame", "error", err)
			continue
		}
		r.forward(p, message, logger)
	}
}

// forward queues message for every other peer in p's room. A peer whose
// buffer is full misses the message.
func (r *Relay) forward(from *peer, message []byte, logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for to := range r.rooms[from.room] {
		if to == from {
			continue
		}
		select {
		case to.send <- message:
			metrics.RelayMessages.Inc()
		default:
			metrics.TransportErrors.Inc()
			logger.Warn("relay dropped frame for slow peer")
		}
	}
}

func (r *Relay) writeLoop(p *peer, logger *slog.Logger) {
	ticker := time.NewTicker(r.settings.PingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				// a write deadline timeout cannot be recovered
				logger.Info("relay write error", "error", err)
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(r.settings.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
