// Package messages is the send pipeline: validate, persist atomically, and
// fan the accepted message out to the chat room and participant sidebars.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

// Validation errors reported to the sender before anything is persisted.
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMissingChatID      = errors.New("chat id is required")
	ErrMissingSenderID    = errors.New("sender id is required")
)

// SendInput is one inbound send-message request.
type SendInput struct {
	ChatID        string            `json:"chatId"`
	SenderID      string            `json:"senderId"`
	SenderName    string            `json:"senderName"`
	Content       string            `json:"content"`
	Type          store.MessageType `json:"messageType"`
	MediaURL      string            `json:"mediaUrl"`
	MediaPublicID string            `json:"mediaPublicId"`
}

// Service validates, persists, and fans out chat messages.
type Service struct {
	store   store.Store
	rooms   *rooms.Registry
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a message service.
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
		logger:  log.With(slog.String("service", "messages")),
	}
}

// receivePayload is the broadcast message plus its server-assigned delivery
// timestamp, which is distinct from the persisted creation timestamp.
type receivePayload struct {
	store.Message
	Timestamp time.Time `json:"timestamp"`
}

type chatUpdatedPayload struct {
	ChatID      string                   `json:"chatId"`
	LastMessage store.LastMessageSummary `json:"lastMessage"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

type sendErrorPayload struct {
	ChatID string `json:"chatId"`
	Error  string `json:"error"`
}

// Send runs the pipeline for one message. On validation or persistence
// failure nothing is broadcast and the sender receives a send-error; a
// fan-out failure after a successful persist is a lost notification, not a
// data error, and is never retried as a re-append.
func (s *Service) Send(ctx context.Context, connID string, in SendInput) error {
	if err := s.validate(&in); err != nil {
		s.logger.Warn("send rejected",
			slog.String("chat_id", in.ChatID), slog.Any("error", err))
		s.rooms.SendTo(connID, transport.EventSendError, sendErrorPayload{ChatID: in.ChatID, Error: err.Error()})
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	msg, chat, err := s.store.AppendMessage(storeCtx, in.ChatID, store.Message{
		SenderID:      in.SenderID,
		SenderName:    in.SenderName,
		Content:       in.Content,
		Type:          in.Type,
		MediaURL:      in.MediaURL,
		MediaPublicID: in.MediaPublicID,
	})
	cancel()
	if err != nil {
		s.logger.Error("send: append failed",
			slog.String("chat_id", in.ChatID), slog.Any("error", err))
		reason := "failed to send message"
		if errors.Is(err, store.ErrNotFound) {
			reason = "chat not found"
		}
		s.rooms.SendTo(connID, transport.EventSendError, sendErrorPayload{ChatID: in.ChatID, Error: reason})
		return fmt.Errorf("append message: %w", err)
	}

	s.rooms.Broadcast(rooms.ChatRoom(in.ChatID), transport.EventReceive, receivePayload{
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})

	update := chatUpdatedPayload{
		ChatID:      chat.ID,
		LastMessage: chat.LastMessage,
		UpdatedAt:   chat.UpdatedAt,
	}
	for _, p := range chat.Participants {
		s.rooms.Broadcast(rooms.UserRoom(p.IdentityKey), transport.EventChatUpdated, update)
	}

	s.logger.Debug("message delivered",
		slog.String("chat_id", chat.ID), slog.String("message_id", msg.ID))
	return nil
}

func (s *Service) validate(in *SendInput) error {
	if strings.TrimSpace(in.ChatID) == "" {
		return ErrMissingChatID
	}
	if strings.TrimSpace(in.SenderID) == "" {
		return ErrMissingSenderID
	}
	if in.Type == "" {
		in.Type = store.MessageTypeText
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, in.Type)
	}
	return nil
}
