package receipts

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

type fakeConn struct {
	id     string
	frames chan []byte
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, frames: make(chan []byte, 16)}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Enqueue(frame []byte) bool {
	select {
	case f.frames <- frame:
		return true
	default:
		return false
	}
}

type fixture struct {
	store     *store.MemoryStore
	service   *Service
	chatID    string
	messageID string
	sender    *fakeConn
}

// newFixture persists one message from user-a and joins user-a's personal
// room on the sender connection.
func newFixture(t *testing.T) fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	hub := transport.NewHub(nil)
	reg := rooms.NewRegistry(hub)
	svc := NewService(nil, ms, reg, time.Second)

	chatID := ms.SeedChat(
		store.Participant{IdentityKey: "user-a"},
		store.Participant{IdentityKey: "user-b"},
	)
	msg, _, err := ms.AppendMessage(context.Background(), chatID, store.Message{
		SenderID: "user-a",
		Content:  "hi",
		Type:     store.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sender := newFakeConn("conn-a")
	hub.Register(sender)
	hub.Join(sender.id, rooms.UserRoom("user-a"))

	return fixture{store: ms, service: svc, chatID: chatID, messageID: msg.ID, sender: sender}
}

func TestMarkReadNotifiesSenderOnce(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()

	fix.service.MarkRead(ctx, fix.chatID, "user-b", fix.messageID)
	fix.service.MarkRead(ctx, fix.chatID, "user-b", fix.messageID)

	if got := len(fix.sender.frames); got != 1 {
		t.Fatalf("expected exactly one message-read notification, got %d", got)
	}
	var env transport.Envelope
	if err := json.Unmarshal(<-fix.sender.frames, &env); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if env.Event != transport.EventMessageRead {
		t.Fatalf("expected message-read, got %s", env.Event)
	}
	var payload struct {
		ChatID    string    `json:"chatId"`
		MessageID string    `json:"messageId"`
		ReadBy    string    `json:"readBy"`
		ReadAt    time.Time `json:"readAt"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ChatID != fix.chatID || payload.MessageID != fix.messageID || payload.ReadBy != "user-b" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.ReadAt.IsZero() {
		t.Fatalf("expected a readAt timestamp")
	}

	stored := fix.store.Messages(fix.chatID)[0]
	if len(stored.ReadBy) != 1 || stored.ReadBy[0] != "user-b" {
		t.Fatalf("expected readBy to contain user-b exactly once, got %v", stored.ReadBy)
	}
}

func TestMarkReadMissingTargetsAreSilent(t *testing.T) {
	fix := newFixture(t)
	ctx := context.Background()

	fix.service.MarkRead(ctx, fix.chatID, "user-b", "missing-message")
	fix.service.MarkRead(ctx, "missing-chat", "user-b", fix.messageID)

	if got := len(fix.sender.frames); got != 0 {
		t.Fatalf("expected no notifications for missing targets, got %d", got)
	}
}
