// Package realtime keeps one websocket per connected user and routes
// lifecycle events to the rooms those users joined.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/metrics"
)

// frame is what a client receives on the socket.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub maps rooms to connected clients. It implements events.Publisher, so the
// lifecycle and dispatch code publish to it without knowing about sockets.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client][]string

	broker Broker
	logger *slog.Logger
}

func NewHub(broker Broker) *Hub {
	if broker == nil {
		broker = NewLocalBroker(0)
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		clients: make(map[*Client][]string),
		broker:  broker,
		logger:  slog.Default().With("component", "realtime"),
	}
}

// Run pumps broker events into local rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.broker.Run(ctx, h.Deliver)
}

func (h *Hub) Publish(ctx context.Context, e events.Event) {
	if len(e.Rooms) == 0 {
		return
	}
	if err := h.broker.Publish(ctx, e); err != nil {
		h.logger.WarnContext(ctx, "publish event",
			slog.String("event", e.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Deliver writes e to every local client in any of its rooms. A client in
// several of the rooms receives it once.
func (h *Hub) Deliver(e events.Event) {
	msg, err := json.Marshal(frame{Event: e.Name, Data: e.Payload})
	if err != nil {
		h.logger.Error("encode event", slog.String("event", e.Name), slog.String("error", err.Error()))
		return
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range e.Rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if !c.enqueue(msg) {
			metrics.RealtimeDropped.Inc()
			h.logger.Warn("client buffer full, event dropped",
				slog.String("event", e.Name),
				slog.String("user_id", c.identity.UserID),
			)
		}
	}
}

func (h *Hub) join(c *Client, rooms ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Client]struct{})
			h.rooms[room] = members
		}
		members[c] = struct{}{}
	}
	h.clients[c] = append(h.clients[c], rooms...)
	metrics.RealtimeConnections.Set(float64(len(h.clients)))
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.clients[c] {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.clients, c)
	metrics.RealtimeConnections.Set(float64(len(h.clients)))
}

// Members reports how many local clients are in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close drops every connection. Clients see a read error and exit.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
