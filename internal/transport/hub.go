package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/marketcache/internal/engine"
	"github.com/Rajchodisetti/marketcache/internal/observ"
	"github.com/Rajchodisetti/marketcache/internal/subscription"
)

const (
	pingInterval = 45 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// Hub owns websocket connections. Registry events are routed to the
// connections they name; every connection also gets the shared minute tick.
type Hub struct {
	engine   *engine.Engine
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*wsConn
	dropped atomic.Int64
}

type wsConn struct {
	id    string
	owner string
	ws    *websocket.Conn
	out   chan any
	done  chan struct{}
	once  sync.Once
	hub   *Hub
}

// clientMessage is what a browser sends: subscribe, unsubscribe or ping.
type clientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols,omitempty"`
}

type statusMessage struct {
	Type            string   `json:"type"`
	ConnectionID    string   `json:"connection_id,omitempty"`
	Symbols         []string `json:"symbols,omitempty"`
	Added           []string `json:"added,omitempty"`
	NextTickSeconds int      `json:"next_tick_seconds,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type tickMessage struct {
	Type            string    `json:"type"`
	At              time.Time `json:"at"`
	NextTickSeconds int       `json:"next_tick_seconds"`
}

func NewHub(e *engine.Engine) *Hub {
	return &Hub{
		engine: e,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: true,
		},
		conns: make(map[string]*wsConn),
	}
}

// Run forwards registry events until ctx ends or the engine closes its
// event stream.
func (h *Hub) Run(ctx context.Context) {
	events := h.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev subscription.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range ev.ConnectionIDs {
		if c, ok := h.conns[id]; ok {
			c.send(ev)
		}
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped returns messages discarded because a connection's buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close sends a close frame to every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.stop()
		_ = c.ws.Close()
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observ.Warn("ws_upgrade_failed", map[string]any{"error": err})
		return
	}

	id := uuid.NewString()
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		owner = id
	}
	c := &wsConn{id: id, owner: owner, ws: ws, out: make(chan any, sendBuffer), done: make(chan struct{}), hub: h}

	h.mu.Lock()
	h.conns[id] = c
	observ.SetGauge("ws_connections", float64(len(h.conns)), nil)
	h.mu.Unlock()
	observ.Log("ws_connected", map[string]any{"connection_id": id, "owner": owner})

	tickID := h.engine.SubscribeTicks("ws:"+id, func(tick time.Time) {
		c.send(tickMessage{Type: "tick", At: tick, NextTickSeconds: h.engine.SecondsUntilNextTick()})
	})

	go c.writeLoop()
	c.send(statusMessage{Type: "connected", ConnectionID: id, NextTickSeconds: h.engine.SecondsUntilNextTick()})

	c.readLoop(r.Context())

	h.engine.UnsubscribeTicks(tickID)
	h.engine.Unsubscribe(id)
	c.stop()
	_ = ws.Close()

	h.mu.Lock()
	delete(h.conns, id)
	observ.SetGauge("ws_connections", float64(len(h.conns)), nil)
	h.mu.Unlock()
	observ.Log("ws_disconnected", map[string]any{"connection_id": id})
}

func (c *wsConn) send(v any) {
	select {
	case <-c.done:
	case c.out <- v:
	default:
		c.hub.dropped.Add(1)
		observ.IncCounter("ws_messages_dropped_total", nil)
	}
}

func (c *wsConn) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case v := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(v); err != nil {
				c.stop()
				_ = c.ws.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.stop()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	e := c.hub.engine
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		e.Touch(c.id)
		return c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(statusMessage{Type: "error", Error: "invalid message"})
			continue
		}
		e.Touch(c.id)

		switch strings.ToLower(msg.Type) {
		case "subscribe":
			if len(msg.Symbols) == 0 {
				c.send(statusMessage{Type: "error", Error: "symbols is required"})
				continue
			}
			added := e.Subscribe(ctx, c.owner, c.id, msg.Symbols)
			c.send(statusMessage{Type: "subscribed", Symbols: e.ConnectionSymbols(c.id), Added: added})
		case "unsubscribe":
			e.Unsubscribe(c.id, msg.Symbols...)
			c.send(statusMessage{Type: "unsubscribed", Symbols: e.ConnectionSymbols(c.id)})
		case "ping":
			c.send(statusMessage{Type: "pong", NextTickSeconds: e.SecondsUntilNextTick()})
		default:
			c.send(statusMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}
