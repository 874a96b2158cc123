package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/stream"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// HubTopics are the event prefixes pushed to WebSocket clients.
var HubTopics = []string{"toggle.", "sources.", stream.DataStreamPrefix, stream.MetricsPrefix}

// envelope is the wire format of one pushed event
type envelope struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"` // Unix millis
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to WebSocket clients. A client that falls behind
// loses messages rather than stalling the bus.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	subs    []bus.SubscriptionID
}

// NewHub creates a hub. Call Start to begin forwarding events.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Same-origin is not enforced; access is gated by the token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Start subscribes to HubTopics. Calling it twice is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return
	}
	for _, prefix := range HubTopics {
		h.subs = append(h.subs, bus.SubscribePrefix(prefix, h.broadcast))
	}
	L_debug("http: hub started", "topics", HubTopics)
}

// Stop unsubscribes and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, id := range subs {
		bus.UnsubscribeEvent(id)
	}
	for _, c := range clients {
		close(c.send)
	}
	L_debug("http: hub stopped", "clients", len(clients))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(e bus.Event) {
	msg, err := json.Marshal(envelope{
		Topic:     e.Topic,
		Data:      e.Data,
		Timestamp: e.Timestamp.UnixMilli(),
	})
	if err != nil {
		L_debug("http: event not encodable", "topic", e.Topic, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			L_trace("http: client behind, message dropped", "client", c.id, "topic", e.Topic)
		}
	}
}

// ServeWS upgrades the request and streams events until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("http: websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	L_info("http: websocket client connected", "client", c.id, "ip", getClientIP(r))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// readPump discards client messages and detects disconnects
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		L_info("http: websocket client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				L_debug("http: websocket read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
