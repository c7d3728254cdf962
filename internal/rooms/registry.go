// Package rooms is the addressing layer between the relay core and the
// transport hub: it names the two room classes and exposes join and fan-out.
package rooms

import (
	"github.com/chatwire/chatwire/internal/transport"
)

const (
	chatRoomPrefix = "chat:"
	userRoomPrefix = "user:"
)

// ChatRoom names the multicast group for a conversation.
func ChatRoom(chatID string) string {
	return chatRoomPrefix + chatID
}

// UserRoom names a user's personal notification room.
func UserRoom(identityKey string) string {
	return userRoomPrefix + identityKey
}

// Registry maps logical rooms onto the transport hub. It holds no state of its
// own: membership lives entirely in the hub and is discarded with the
// connection, so a delivery only reaches connections joined at the moment of
// broadcast.
type Registry struct {
	hub *transport.Hub
}

// NewRegistry creates a registry over the given hub.
func NewRegistry(hub *transport.Hub) *Registry {
	return &Registry{hub: hub}
}

// Join adds the connection to a room; re-joining is a no-op.
func (r *Registry) Join(connID, roomID string) {
	r.hub.Join(connID, roomID)
}

// Broadcast fans an event out to every connection in the room, minus any
// excluded connection IDs.
func (r *Registry) Broadcast(roomID, event string, payload any, exclude ...string) {
	r.hub.Broadcast(roomID, event, payload, exclude...)
}

// BroadcastGlobal fans an event out to every live connection, minus any
// excluded connection IDs.
func (r *Registry) BroadcastGlobal(event string, payload any, exclude ...string) {
	r.hub.BroadcastAll(event, payload, exclude...)
}

// SendTo delivers an event to one connection.
func (r *Registry) SendTo(connID, event string, payload any) bool {
	return r.hub.SendTo(connID, event, payload)
}
