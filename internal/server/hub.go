package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/observability"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	clientBuf  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamFilter narrows a subscription. Zero values match everything.
type streamFilter struct {
	market *common.Address
	types  map[string]bool
}

func (f streamFilter) match(env event.EventEnvelope) bool {
	if f.market != nil && (env.Market == nil || *env.Market != *f.market) {
		return false
	}
	return len(f.types) == 0 || f.types[env.EventType.String()]
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter streamFilter
}

// EventHub streams sealed envelopes to websocket subscribers. It is fed from
// the processor's projection channel, so delivery is live but lossy: a client
// that cannot keep up is disconnected and should resume from the query API.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewEventHub(metrics *observability.Metrics, logger zerolog.Logger) *EventHub {
	return &EventHub{
		clients: make(map[*client]struct{}),
		metrics: metrics,
		logger:  logger,
	}
}

// Run broadcasts every output from in until ctx is done or in is closed.
func (h *EventHub) Run(ctx context.Context, in <-chan core.Output) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			for _, env := range out.Envelopes {
				h.Broadcast(env)
			}
		}
	}
}

// Broadcast queues env for every matching client.
func (h *EventHub) Broadcast(env event.EventEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Int64("sequence", env.Sequence).Msg("marshal stream event")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.filter.match(env) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.unregister(c)
	}
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
	h.logger.Debug().Int("clients", n).Msg("stream client connected")
}

func (h *EventHub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok && h.metrics != nil {
		h.metrics.StreamClients.Set(float64(n))
	}
}

func (h *EventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	if h.metrics != nil {
		h.metrics.StreamClients.Set(0)
	}
}

// HandleStream upgrades GET /v1/stream. Optional query parameters:
// market=<address> and types=<EventType>,<EventType>.
func (h *EventHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	filter, err := parseStreamFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuf), filter: filter}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
}

func parseStreamFilter(r *http.Request) (streamFilter, error) {
	var f streamFilter
	if m := r.URL.Query().Get("market"); m != "" {
		addr, err := parseAddress(m)
		if err != nil {
			return f, err
		}
		f.market = &addr
	}
	if ts := r.URL.Query().Get("types"); ts != "" {
		f.types = make(map[string]bool)
		for _, name := range strings.Split(ts, ",") {
			et, ok := event.ParseEventType(strings.TrimSpace(name))
			if !ok {
				return f, fmt.Errorf("unknown event type %q", name)
			}
			f.types[et.String()] = true
		}
	}
	return f, nil
}

// readPump only watches for disconnects and pongs.
func (h *EventHub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
