// Package receipts tracks per-message read-sets and notifies senders.
package receipts

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

// Service applies mark-read requests. Read receipts are best-effort: absent
// chats or messages and duplicate marks are silent no-ops, and store failures
// are logged without surfacing to the caller.
type Service struct {
	store   store.Store
	rooms   *rooms.Registry
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a receipt service.
func NewService(log *slog.Logger, st store.Store, reg *rooms.Registry, timeout time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		store:   st,
		rooms:   reg,
		timeout: timeout,
		logger:  log.With(slog.String("service", "receipts")),
	}
}

type messageReadPayload struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	ReadBy    string    `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

// MarkRead adds the identity to the message's readBy set and notifies the
// sender's personal room. The set only grows; marking twice changes nothing
// and emits no second notification.
func (s *Service) MarkRead(ctx context.Context, chatID, identityKey, messageID string) {
	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	senderID, applied, err := s.store.AddReaderToMessage(storeCtx, chatID, messageID, identityKey)
	cancel()
	if err != nil {
		s.logger.Error("mark read failed",
			slog.String("chat_id", chatID), slog.String("message_id", messageID), slog.Any("error", err))
		return
	}
	if !applied {
		return
	}

	s.rooms.Broadcast(rooms.UserRoom(senderID), transport.EventMessageRead, messageReadPayload{
		ChatID:    chatID,
		MessageID: messageID,
		ReadBy:    identityKey,
		ReadAt:    time.Now().UTC(),
	})
	s.logger.Debug("message read",
		slog.String("chat_id", chatID), slog.String("message_id", messageID), slog.String("read_by", identityKey))
}
