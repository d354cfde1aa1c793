// Package dashboard exposes a websocket push of the same snapshot the
// master's polling GET /stats endpoint returns, generalized from the
// teacher's control_plane/ws_hub.go MetricsHub (SPEC_FULL.md §3). It
// supplements, and never replaces, spec.md §6.1's polling /stats endpoint.
package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxConnections caps concurrent dashboard clients, the same overload guard
// the teacher's hub applies.
const maxConnections = 200

// StatsProvider returns the current stats snapshot to broadcast. Callers
// typically wire this to (*orchestrator.Orchestrator).Stats.
type StatsProvider func() any

// Hub fans a periodic stats snapshot out to every connected websocket
// client. A single broadcaster goroutine avoids one ticker per client.
type Hub struct {
	provider StatsProvider
	interval time.Duration

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub builds a Hub. interval of 0 uses a 1s broadcast cadence, matching
// the teacher's MetricsHub.
func NewHub(provider StatsProvider, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = time.Second
	}
	return &Hub{
		provider:   provider,
		interval:   interval,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's main loop; blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("[DASHBOARD] connection rejected: max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcast()
		}
	}
}

func (h *Hub) broadcast() {
	snapshot := h.provider()

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteJSON(snapshot); err != nil {
			log.Printf("[DASHBOARD] write error: %v", err)
			go h.Unregister(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
