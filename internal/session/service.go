// Package session orchestrates the connection lifecycle: join, room joins,
// and disconnect, including the races between them.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwire/chatwire/internal/presence"
	"github.com/chatwire/chatwire/internal/rooms"
	"github.com/chatwire/chatwire/internal/store"
	"github.com/chatwire/chatwire/internal/transport"
)

// binding maps a transient connection to a durable identity and the rooms the
// connection has joined. Destroyed on disconnect.
type binding struct {
	identityKey string
	rooms       map[string]struct{}
}

// Service drives the per-identity session state machine:
// OFFLINE -> JOINING -> ONLINE -> OFFLINE.
type Service struct {
	mu       sync.Mutex
	bindings map[string]*binding

	presence *presence.Service
	store    store.Store
	rooms    *rooms.Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewService creates a session service.
func NewService(log *slog.Logger, st store.Store, pres *presence.Service, reg *rooms.Registry, timeout time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		bindings: map[string]*binding{},
		presence: pres,
		store:    st,
		rooms:    reg,
		timeout:  timeout,
		logger:   log.With(slog.String("service", "session")),
	}
}

type joinedPayload struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
}

type joinErrorPayload struct {
	Error string `json:"error"`
}

// Join binds the connection to an identity, joins its personal room and every
// chat room it participates in, then marks it online. On success it notifies
// all other connections with user-online and acknowledges the joining
// connection; on store failure it reports join-error, leaves the user offline,
// and is safe to retry.
//
// The presence stamp is taken up front, so of two racing joins for the same
// identity, the later-received one wins regardless of whose store round-trip
// completes last.
func (s *Service) Join(ctx context.Context, connID, identityKey string) {
	stamp := time.Now().UTC()
	log := s.logger.With(slog.String("conn_id", connID), slog.String("user_id", identityKey))

	s.mu.Lock()
	b, ok := s.bindings[connID]
	if !ok {
		b = &binding{rooms: map[string]struct{}{}}
		s.bindings[connID] = b
	}
	b.identityKey = identityKey
	s.mu.Unlock()

	s.joinRoom(connID, rooms.UserRoom(identityKey))

	chatCtx, cancel := context.WithTimeout(ctx, s.timeout)
	chats, err := s.store.FindChatsByParticipant(chatCtx, identityKey)
	cancel()
	if err != nil {
		log.Error("join: load chats failed", slog.Any("error", err))
		s.rooms.SendTo(connID, transport.EventJoinError, joinErrorPayload{Error: "failed to join chat"})
		return
	}
	for _, chat := range chats {
		s.joinRoom(connID, rooms.ChatRoom(chat.ID))
	}

	user, err := s.presence.MarkOnline(ctx, identityKey, connID, stamp)
	if err != nil {
		log.Error("join: presence update failed", slog.Any("error", err))
		s.rooms.SendTo(connID, transport.EventJoinError, joinErrorPayload{Error: "failed to join chat"})
		return
	}

	// A racing join on another connection may have won; announce online state
	// either way, but never echo it back to the joining connection.
	s.rooms.BroadcastGlobal(transport.EventUserOnline, identityKey, connID)
	s.rooms.SendTo(connID, transport.EventJoined, joinedPayload{Success: true, UserID: user.IdentityKey})
	log.Info("user joined", slog.Int("chat_rooms", len(chats)))
}

type joinedChatPayload struct {
	ChatID string `json:"chatId"`
}

// JoinChat adds the connection to one chat room. Idempotent: joining an
// already-joined room is a no-op, and the join is always acknowledged.
func (s *Service) JoinChat(ctx context.Context, connID, chatID string) {
	s.joinRoom(connID, rooms.ChatRoom(chatID))
	s.rooms.SendTo(connID, transport.EventJoinedChat, joinedChatPayload{ChatID: chatID})
	s.logger.Debug("joined chat room", slog.String("conn_id", connID), slog.String("chat_id", chatID))
}

// Disconnect tears the binding down and clears presence for the user still
// bound to this connection. The store-side guard matches on the stored
// activeConnectionId, so a stale disconnect after a reconnect elsewhere
// changes nothing. Presence clearing is best-effort: on failure the user is
// shown online until the next reconnect cycle corrects it.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	s.mu.Lock()
	delete(s.bindings, connID)
	s.mu.Unlock()

	user, applied, err := s.presence.MarkOffline(ctx, connID, time.Now().UTC())
	if err != nil {
		s.logger.Error("disconnect: presence clear failed",
			slog.String("conn_id", connID), slog.Any("error", err))
		return
	}
	if !applied {
		return
	}

	s.rooms.BroadcastGlobal(transport.EventUserOffline, user.IdentityKey)
	s.logger.Info("user disconnected",
		slog.String("conn_id", connID), slog.String("user_id", user.IdentityKey))
}

// IdentityFor returns the identity bound to a connection, if any.
func (s *Service) IdentityFor(connID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[connID]
	if !ok || b.identityKey == "" {
		return "", false
	}
	return b.identityKey, true
}

func (s *Service) joinRoom(connID, roomID string) {
	s.mu.Lock()
	b, ok := s.bindings[connID]
	if !ok {
		b = &binding{rooms: map[string]struct{}{}}
		s.bindings[connID] = b
	}
	if _, joined := b.rooms[roomID]; joined {
		s.mu.Unlock()
		return
	}
	b.rooms[roomID] = struct{}{}
	s.mu.Unlock()

	s.rooms.Join(connID, roomID)
}
