// Package hub fans controller status out to WebSocket clients.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/pulsewatch/internal/ble"
)

// EventStatus is the only event type the hub sends.
const EventStatus = "status"

const writeTimeout = 100 * time.Millisecond

// Event is the envelope written to every client.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// client serializes writes; a websocket.Conn allows one writer at a time.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(ev)
}

// Hub is an http.Handler that upgrades requests to WebSocket connections and
// pushes a status event on connect and on every Broadcast.
type Hub struct {
	snapshot func() ble.Status
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// New creates a Hub. snapshot supplies the status sent to newly connected
// clients.
func New(snapshot func() ble.Status) *Hub {
	return &Hub{
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and blocks until the client goes away.
// Inbound messages are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[HUB] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn}
	if !h.add(c) {
		conn.Close()
		return
	}
	slog.Debug("[HUB] client connected", "remote", r.RemoteAddr)

	if err := c.send(Event{Type: EventStatus, Payload: h.snapshot()}); err != nil {
		h.remove(c)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	slog.Debug("[HUB] client disconnected", "remote", r.RemoteAddr)
}

// StatusHandler serves the current status as a JSON document.
func (h *Hub) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		slog.Warn("[HUB] encode status", "error", err)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
}

// Broadcast sends st to every connected client. Clients that cannot take the
// write within the deadline are dropped.
func (h *Hub) Broadcast(st ble.Status) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	ev := Event{Type: EventStatus, Payload: st}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.send(ev); err != nil {
				slog.Debug("[HUB] dropping client", "error", err)
				h.remove(c)
			}
		}()
	}
	wg.Wait()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}
