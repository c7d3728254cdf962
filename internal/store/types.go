package store

import "time"

// MessageType classifies message content.
type MessageType string

// Allowed message types.
const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeVideo MessageType = "video"
)

// Valid reports whether t is one of the allowed message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo:
		return true
	}
	return false
}

// User is a durable chat user identified by a stable identity key.
// ActiveConnectionID binds at most one live connection; IsOnline is true iff
// that binding refers to a currently live connection.
type User struct {
	IdentityKey        string    `json:"userId"`
	Name               string    `json:"name,omitempty"`
	Email              string    `json:"email,omitempty"`
	Avatar             string    `json:"avatar,omitempty"`
	IsOnline           bool      `json:"isOnline"`
	LastSeen           time.Time `json:"lastSeen"`
	ActiveConnectionID string    `json:"-"`
}

// Participant is a denormalized member entry on a chat. The identity key is
// authoritative; name and avatar are a read cache of the User record.
type Participant struct {
	IdentityKey string `json:"userId"`
	Name        string `json:"name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// LastMessageSummary mirrors the most recently appended message of a chat so
// list views render without scanning the message sequence.
type LastMessageSummary struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a conversation: an ordered participant set plus an append-only
// message sequence. Messages are loaded separately; Chat carries only the
// summary needed by the relay.
type Chat struct {
	ID           string             `json:"chatId"`
	Participants []Participant      `json:"participants"`
	LastMessage  LastMessageSummary `json:"lastMessage"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Message is one chat message. Immutable after persistence except ReadBy,
// which only grows. SenderName is denormalized at send time and never
// re-synced.
type Message struct {
	ID            string      `json:"id"`
	ChatID        string      `json:"chatId"`
	SenderID      string      `json:"senderId"`
	SenderName    string      `json:"senderName"`
	Content       string      `json:"content"`
	Type          MessageType `json:"messageType"`
	MediaURL      string      `json:"mediaUrl,omitempty"`
	MediaPublicID string      `json:"mediaPublicId,omitempty"`
	ReadBy        []string    `json:"readBy,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// PresenceUpdate describes one presence write. Stamp orders racing writes for
// the same identity: a write only applies when its stamp is not older than the
// stored one (last-writer-wins), and doubles as the lastSeen value.
type PresenceUpdate struct {
	IsOnline     bool
	ConnectionID string
	Stamp        time.Time
}
