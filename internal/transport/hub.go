package transport

import (
	"log/slog"
	"sync"
)

// Sender is the outbound half of a connection as seen by the hub.
type Sender interface {
	ID() string
	// Enqueue queues an encoded frame without blocking; it reports false when
	// the connection's buffer is full or closed.
	Enqueue(frame []byte) bool
}

// Hub tracks live connections and room membership, and fans encoded events out
// to rooms. Membership for a connection is mutated only by that connection's
// own join and disconnect events; the hub lock serializes the bookkeeping.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]Sender
	rooms  map[string]map[string]struct{}
	joined map[string]map[string]struct{}
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:  map[string]Sender{},
		rooms:  map[string]map[string]struct{}{},
		joined: map[string]map[string]struct{}{},
		logger: log.With(slog.String("component", "hub")),
	}
}

// Register adds a live connection.
func (h *Hub) Register(c Sender) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

// Unregister drops the connection and all of its room memberships.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	for roomID := range h.joined[connID] {
		members := h.rooms[roomID]
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.joined, connID)
	h.mu.Unlock()
}

// Join adds the connection to a room. Joining an already-joined room is a
// no-op. Unknown connections are ignored.
func (h *Hub) Join(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return
	}
	room, ok := h.rooms[roomID]
	if !ok {
		room = map[string]struct{}{}
		h.rooms[roomID] = room
	}
	room[connID] = struct{}{}

	joined, ok := h.joined[connID]
	if !ok {
		joined = map[string]struct{}{}
		h.joined[connID] = joined
	}
	joined[roomID] = struct{}{}
}

// SendTo delivers one event to a single connection. It reports false when the
// connection is gone or its buffer is full.
func (h *Hub) SendTo(connID, event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return false
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Enqueue(frame)
}

// Broadcast delivers one event to every connection joined to the room at this
// moment, except the excluded connection IDs. Connections with a full buffer
// are skipped rather than blocking the caller.
func (h *Hub) Broadcast(roomID, event string, payload any, exclude ...string) {
	frame, err := Encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID := range h.rooms[roomID] {
		if excluded(connID, exclude) {
			continue
		}
		if c, ok := h.conns[connID]; ok {
			if !c.Enqueue(frame) {
				h.logger.Warn("dropping event for slow connection",
					slog.String("event", event), slog.String("conn_id", connID))
			}
		}
	}
}

// BroadcastAll delivers one event to every live connection, except the
// excluded connection IDs. Presence changes are not room-scoped.
func (h *Hub) BroadcastAll(event string, payload any, exclude ...string) {
	frame, err := Encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", slog.String("event", event), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, c := range h.conns {
		if excluded(connID, exclude) {
			continue
		}
		if !c.Enqueue(frame) {
			h.logger.Warn("dropping event for slow connection",
				slog.String("event", event), slog.String("conn_id", connID))
		}
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close unregisters every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.conns = map[string]Sender{}
	h.rooms = map[string]map[string]struct{}{}
	h.joined = map[string]map[string]struct{}{}
	h.mu.Unlock()
}

func excluded(connID string, exclude []string) bool {
	for _, id := range exclude {
		if id == connID {
			return true
		}
	}
	return false
}
