// Package transport provides the websocket connection substrate: the wire
// envelope, per-connection read/write pumps, and the hub that tracks live
// connections and room membership.
package transport

import "encoding/json"

// Envelope is the wire frame exchanged with clients in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names.
const (
	EventJoin        = "join"
	EventJoinChat    = "join-chat"
	EventSendMessage = "send-message"
	EventMarkRead    = "mark-read"
	EventTyping      = "typing"
)

// Outbound event names.
const (
	EventJoined      = "joined"
	EventJoinError   = "join-error"
	EventJoinedChat  = "joined-chat"
	EventUserOnline  = "user-online"
	EventUserOffline = "user-offline"
	EventReceive     = "receive-message"
	EventChatUpdated = "chat-updated"
	EventMessageRead = "message-read"
	EventSendError   = "send-error"
	EventUserTyping  = "user-typing"
)

// Encode marshals an outbound envelope for the given event and payload.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
