// Package ws streams engine events (opportunities, intents, fills,
// executions) to dashboard clients over websockets.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBufferSize must hold the status frame plus a full replay.
	sendBufferSize = 256
	maxReplay      = 200
	replayTimeout  = 2 * time.Second
)

// allTopics subscribes a client to every event type.
const allTopics = "*"

// StatusFunc reports the engine state sent to clients when they connect.
type StatusFunc func() domain.EngineStatus

// Hub fans engine events out to websocket clients. Events arrive through
// Broadcast, or from the signal bus when one is set so every replica's
// events reach every dashboard. With a bus, clients may ask for the tail of
// the event journal on connect with ?replay=N.
//
// GET /ws?topics=fill,unwind&replay=50
type Hub struct {
	bus      domain.SignalBus
	status   StatusFunc
	origins  []string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}

	// clients is owned by Run; the count is for logging.
	clients map[*client]struct{}
	count   int
	countMu sync.Mutex
}

type broadcastMsg struct {
	topic string
	data  []byte
}

// NewHub creates a hub. bus and status may be nil. An empty origins list
// accepts every origin.
func NewHub(bus domain.SignalBus, status StatusFunc, origins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		bus:        bus,
		status:     status,
		origins:    origins,
		logger:     logger.With(slog.String("component", "ws_hub")),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
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
	if len(h.origins) == 0 || origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Broadcast queues an encoded event for every client subscribed to topic.
// It never blocks; events are dropped while the queue is full.
func (h *Hub) Broadcast(topic string, data []byte) {
	select {
	case h.broadcast <- broadcastMsg{topic: topic, data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", slog.String("topic", topic))
	}
}

// Run owns the client set until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	if h.bus != nil {
		go h.forwardBus(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Info("client connected", slog.Int("clients", h.setCount(len(h.clients))))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("client disconnected", slog.Int("clients", h.setCount(len(h.clients))))
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.isSubscribed(msg.topic) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("dropping event for slow client", slog.String("topic", msg.topic))
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) setCount(n int) int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	h.count = n
	return n
}

// Clients reports how many websocket clients are connected.
func (h *Hub) Clients() int {
	h.countMu.Lock()
	defer h.countMu.Unlock()
	return h.count
}

// forwardBus rebroadcasts events published on the bus by any replica.
func (h *Hub) forwardBus(ctx context.Context) {
	msgs, err := h.bus.Subscribe(ctx, domain.ChannelEvents)
	if err != nil {
		h.logger.Error("event subscription failed",
			slog.String("channel", domain.ChannelEvents),
			slog.String("error", err.Error()),
		)
		return
	}
	for data := range msgs {
		if topic := eventType(data); topic != "" {
			h.Broadcast(topic, data)
		}
	}
}

// ServeHTTP upgrades the request and registers the client. The status frame
// and any requested replay are queued before live events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := parseTopics(r.URL.Query().Get("topics"))
	replay, _ := strconv.Atoi(r.URL.Query().Get("replay"))
	replay = min(max(replay, 0), maxReplay)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: topics,
	}
	c.queueStatus()
	if replay > 0 && h.bus != nil {
		c.queueReplay(r.Context(), replay)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func parseTopics(raw string) map[string]bool {
	subs := make(map[string]bool)
	for t := range strings.SplitSeq(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			subs[t] = true
		}
	}
	if len(subs) == 0 {
		subs[allTopics] = true
	}
	return subs
}

func eventType(data []byte) string {
	var ev struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &ev) != nil {
		return ""
	}
	return ev.Type
}

// client is one websocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

// subscribeMsg changes a client's topics after connect.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

func (c *client) queueStatus() {
	if c.hub.status == nil {
		return
	}
	msg, err := json.Marshal(domain.Event{Type: "status", At: time.Now().UTC(), Data: c.hub.status()})
	if err == nil {
		c.send <- msg
	}
}

func (c *client) queueReplay(ctx context.Context, n int) {
	ctx, cancel := context.WithTimeout(ctx, replayTimeout)
	defer cancel()
	entries, err := c.hub.bus.StreamTail(ctx, domain.StreamJournal, n)
	if err != nil {
		c.hub.logger.Warn("journal replay failed", slog.String("error", err.Error()))
		return
	}
	for _, e := range entries {
		if c.isSubscribed(eventType(e.Payload)) {
			c.send <- e.Payload
		}
	}
}

func (c *client) isSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[allTopics] || c.subs[topic]
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			c.subs[t] = true
		}
	case "unsubscribe":
		for _, t := range msg.Topics {
			delete(c.subs, t)
		}
	}
}

// readPump applies subscription changes until the connection fails.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(data, &sub) == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// writePump writes queued events and keepalive pings. It sends a close frame
// once the hub closes the queue.
func (c *client) writePump() {
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
