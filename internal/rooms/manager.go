package rooms

import (
	"sync"

	"github.com/realtime-ai/presenced/internal/utils"
)

// Room is one local fan-out group: the clients of this instance attached to
// the same room. Cross-instance delivery happens over the shared store's
// pub/sub; the hub only fans events out to local sockets.
type Room struct {
	name      string
	clients   map[*Client]bool
	broadcast chan interface{}
	done      chan struct{}
	mu        sync.RWMutex
	hub       *Hub
}

// Hub manages the local socket rooms.
type Hub struct {
	logger  *utils.Logger
	rooms   map[string]*Room
	roomsMu sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// Attach adds a client to the named room, creating the room and starting its
// fan-out loop on first use. Attach and Detach share the hub lock, so a room
// being torn down by its last departing client can never swallow a newcomer.
func (h *Hub) Attach(name string, c *Client) *Room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	room, exists := h.rooms[name]
	if !exists {
		room = &Room{
			name:      name,
			clients:   make(map[*Client]bool),
			broadcast: make(chan interface{}, 256),
			done:      make(chan struct{}),
			hub:       h,
		}
		h.rooms[name] = room
		go h.handleRoom(room)
	}

	room.mu.Lock()
	room.clients[c] = true
	room.mu.Unlock()
	activeClients.Inc()

	c.room = room
	return room
}

// Detach removes a client from its room and closes its send queue. The room
// is dropped once its last local client is gone. Detaching twice is a no-op.
func (h *Hub) Detach(c *Client) {
	room := c.room

	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	room.mu.Lock()
	if _, exists := room.clients[c]; exists {
		delete(room.clients, c)
		close(c.send)
		activeClients.Dec()
	}
	empty := len(room.clients) == 0
	room.mu.Unlock()

	// The map check keeps a detach landing after Stop replaced the map from
	// closing the room twice.
	if empty && h.rooms[room.name] == room {
		delete(h.rooms, room.name)
		close(room.done)
	}
}

// Broadcast fans msg out to the local clients of the named room. A room with
// no local clients is a no-op.
func (h *Hub) Broadcast(name string, msg interface{}) {
	h.roomsMu.RLock()
	room, exists := h.rooms[name]
	h.roomsMu.RUnlock()

	if !exists {
		return
	}
	select {
	case room.broadcast <- msg:
	case <-room.done:
	}
}

// Clients reports how many local clients are attached to the named room.
func (h *Hub) Clients(name string) int {
	h.roomsMu.RLock()
	room, exists := h.rooms[name]
	h.roomsMu.RUnlock()

	if !exists {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.clients)
}

// Stop tears down every room. Clients' send queues stay open; their pumps
// exit when the server closes the underlying connections.
func (h *Hub) Stop() {
	h.roomsMu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]*Room)
	h.roomsMu.Unlock()

	for _, room := range rooms {
		close(room.done)
	}
}

// handleRoom fans broadcast messages out to the room's local clients.
func (h *Hub) handleRoom(room *Room) {
	for {
		select {
		case <-room.done:
			return

		case message := <-room.broadcast:
			room.mu.RLock()
			for client := range room.clients {
				select {
				case client.send <- message:
				default:
					// Client's send channel is full, skip
				}
			}
			room.mu.RUnlock()
		}
	}
}
