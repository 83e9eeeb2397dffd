package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoConnection is returned when a connection id is not attached to the hub.
var ErrNoConnection = errors.New("connection not attached")

// sendBuffer is the number of frames queued per client before it is
// considered a slow consumer and dropped.
const sendBuffer = 256

// Delivery is a broadcast as it travels over a Bus.
type Delivery struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room,omitempty"`
	All    bool            `json:"all,omitempty"`
	Except string          `json:"except,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Bus carries broadcasts to hubs running in other processes.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
}

// Hub tracks the connections of this process and the rooms they joined.
type Hub struct {
	origin string
	log    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	bus     Bus
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		origin:  uuid.NewString(),
		log:     log.With().Str("component", "hub").Logger(),
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Origin identifies this hub on a Bus.
func (h *Hub) Origin() string { return h.origin }

// AttachBus makes every broadcast also travel over b.
func (h *Hub) AttachBus(b Bus) {
	h.mu.Lock()
	h.bus = b
	h.mu.Unlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister detaches c and closes its send channel. It reports false when
// c had already been dropped.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drop(c)
}

// drop removes c from every table. Callers hold mu.
func (h *Hub) drop(c *Client) bool {
	if h.clients[c.id] != c {
		return false
	}
	delete(h.clients, c.id)
	for room := range c.rooms {
		members := h.rooms[room]
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
	return true
}

// Join subscribes connID to room. Joining twice is a no-op.
func (h *Hub) Join(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return ErrNoConnection
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[connID] = c
	c.rooms[room] = struct{}{}
	return nil
}

// Rooms lists the rooms connID has joined.
func (h *Hub) Rooms(connID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Connections returns the number of attached connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit sends evt to a single connection.
func (h *Hub) Emit(connID string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return ErrNoConnection
	}
	h.enqueue(c, data)
	return nil
}

// BroadcastRoom sends evt to every member of room except the connection
// named by except.
func (h *Hub) BroadcastRoom(ctx context.Context, room string, evt Event, except string) error {
	return h.broadcast(ctx, Delivery{Room: room, Except: except}, evt)
}

// BroadcastAll sends evt to every connection except the one named by except.
func (h *Hub) BroadcastAll(ctx context.Context, evt Event, except string) error {
	return h.broadcast(ctx, Delivery{All: true, Except: except}, evt)
}

func (h *Hub) broadcast(ctx context.Context, d Delivery, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Event, err)
	}
	d.Origin = h.origin
	d.Data = data

	h.Deliver(d)

	h.mu.Lock()
	bus := h.bus
	h.mu.Unlock()
	if bus == nil {
		return nil
	}
	if err := bus.Publish(ctx, d); err != nil {
		h.log.Warn().Err(err).Str("event", evt.Event).Msg("Failed to publish broadcast")
	}
	return nil
}

// Deliver hands a broadcast to the local connections it targets.
func (h *Hub) Deliver(d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.clients
	if !d.All {
		targets = h.rooms[d.Room]
	}

	var slow []*Client
	for id, c := range targets {
		if id == d.Except {
			continue
		}
		if !h.offer(c, d.Data) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		h.log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("Dropping slow consumer")
		h.drop(c)
	}
}

// enqueue queues data for c, dropping c when its buffer is full. Callers
// hold mu.
func (h *Hub) enqueue(c *Client, data []byte) {
	if !h.offer(c, data) {
		h.log.Warn().Str("conn_id", c.id).Str("user_id", c.userID).Msg("Dropping slow consumer")
		h.drop(c)
	}
}

func (h *Hub) offer(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close detaches every connection. Their write pumps send a close frame
// and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.drop(c)
	}
}
