// Package events fans gateway events out to live WebSocket clients.
//
// DESIGN: Fire-and-forget by contract. Emit never blocks the request path:
// each client has a bounded outbound queue drained by its own writer
// goroutine, and a client that cannot keep up is dropped. Emission failures
// are swallowed (logged at debug) - the dashboard feed is purely advisory.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientQueueSize = 64
	writeTimeout    = 5 * time.Second
)

// envelope is the wire shape of one emitted event.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected dashboard clients and broadcasts events to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Emit broadcasts one event to every connected client without blocking.
// Event names: snapshot, call, alert, reset.
func (h *Hub) Emit(event string, payload any) {
	data, err := json.Marshal(envelope{
		Event:     event,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		log.Debug().Err(err).Str("event", event).Msg("events: marshal failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Slow consumer: drop it rather than stall the gateway.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams events until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("events: websocket accept failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueueSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()

	// Drain inbound frames so pings and close frames are processed; the feed
	// is one-way.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			break
		}
	}

	h.remove(c)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *client) writeLoop() {
	for msg := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			_ = c.conn.CloseNow()
			return
		}
	}
}
