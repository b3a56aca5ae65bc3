// Package ws pushes exit lifecycle events and mark prices to websocket
// clients. Clients start on the exits channel and may narrow the stream to
// a set of symbols.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Counter reports how many positions are open.
type Counter interface {
	Count() int
}

// Config is the hub's runtime metadata and relay set.
type Config struct {
	Mode      string
	StartedAt time.Time
	// Channels are relayed from the bus. Without them events only arrive
	// through PublishExitEvent.
	Channels []string
	// AllowedOrigins restricts the handshake; empty allows any origin.
	AllowedOrigins []string
}

// envelope is the frame written to clients.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// controlMsg changes a client's channel and symbol filters.
//
//	{"action":"subscribe","channels":["prices"],"symbols":["BTCUSDT"]}
type controlMsg struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	Symbols  []string `json:"symbols,omitempty"`
}

// Hub tracks connected clients and fans frames out to them.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*client]struct{}
	bus       domain.SignalBus
	positions Counter
	upgrader  websocket.Upgrader
	cfg       Config
	logger    *slog.Logger
}

// NewHub creates a Hub. bus and positions may be nil.
func NewHub(bus domain.SignalBus, positions Counter, logger *slog.Logger, cfg Config) *Hub {
	if cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode)); cfg.Mode == "" {
		cfg.Mode = "unknown"
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now().UTC()
	}
	h := &Hub{
		clients:   make(map[*client]struct{}),
		bus:       bus,
		positions: positions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(h.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run relays the configured bus channels until ctx ends, then disconnects
// every client.
func (h *Hub) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if h.bus != nil {
		for _, ch := range h.cfg.Channels {
			g.Go(func() error {
				h.relay(gctx, ch)
				return nil
			})
		}
	}
	<-ctx.Done()
	_ = g.Wait()

	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	return ctx.Err()
}

func (h *Hub) relay(ctx context.Context, channel string) {
	in, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("bus subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("relaying bus channel", slog.String("channel", channel))
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-in:
			if !ok {
				h.logger.Warn("bus subscription closed", slog.String("channel", channel))
				return
			}
			if json.Valid(data) {
				h.broadcast(channel, data)
			}
		}
	}
}

// broadcast writes data to every client that wants it. Slow clients lose
// the frame instead of stalling the others.
func (h *Hub) broadcast(channel string, data []byte) {
	frame, err := json.Marshal(envelope{Type: channel, Payload: data})
	if err != nil {
		return
	}
	var tagged struct {
		Symbol string `json:"symbol"`
	}
	_ = json.Unmarshal(data, &tagged)

	dropped := 0
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(channel, tagged.Symbol) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			dropped++
		}
	}
	h.mu.RUnlock()
	if dropped > 0 {
		h.logger.Warn("dropped frame for slow clients",
			slog.String("channel", channel),
			slog.Int("clients", dropped),
		)
	}
}

// PublishExitEvent pushes ev to clients on the exits channel. It never
// blocks on a client.
func (h *Hub) PublishExitEvent(_ context.Context, ev domain.ExitEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.broadcast(domain.ChannelExits, data)
	return nil
}

// HandleWS upgrades the connection and greets the client with a bot_status
// frame.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		channels: map[string]bool{domain.ChannelExits: true},
	}
	c.send <- h.statusFrame()

	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("client connected", slog.String("remote", r.RemoteAddr), slog.Int("clients", n))

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("client disconnected", slog.Int("clients", n))
	}
}

func (h *Hub) statusFrame() []byte {
	open := 0
	if h.positions != nil {
		open = h.positions.Count()
	}
	payload, _ := json.Marshal(map[string]any{
		"mode":           h.cfg.Mode,
		"uptime_seconds": int64(time.Since(h.cfg.StartedAt).Seconds()),
		"open_positions": open,
	})
	frame, _ := json.Marshal(envelope{Type: "bot_status", Payload: payload})
	return frame
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
