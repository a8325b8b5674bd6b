package gateway

import (
	"context"
	"sync"

	"github.com/reifying/untethered/internal/subscribers"
)

// Hub delivers events to connected clients. Session events reach the
// clients subscribed to that session; events without a session reach every
// authenticated client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.ID()] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID())
	h.mu.Unlock()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Name() string {
	return "clients"
}

func (h *Hub) Handle(_ context.Context, event subscribers.Event) error {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.Authenticated() {
			continue
		}
		if event.SessionID == "" || c.Subscribed(event.SessionID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(event.Payload)
	}
	return nil
}
