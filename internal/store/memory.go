package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store used by tests and the dev mode of the
// relay. A single mutex gives every operation the same atomicity the
// PostgreSQL implementation gets from conditional updates and transactions.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*memoryUser
	chats map[string]*memoryChat
}

type memoryUser struct {
	user  User
	stamp time.Time
}

type memoryChat struct {
	chat     Chat
	messages []Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: map[string]*memoryUser{},
		chats: map[string]*memoryChat{},
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// SeedChat inserts a chat with the given participants and returns its ID.
func (s *MemoryStore) SeedChat(participants ...Participant) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.chats[id] = &memoryChat{
		chat: Chat{
			ID:           id,
			Participants: slices.Clone(participants),
			UpdatedAt:    time.Now(),
		},
	}
	return id
}

// Messages returns a copy of the chat's message sequence.
func (s *MemoryStore) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return slices.Clone(c.messages)
}

// User returns the stored user record, if any.
func (s *MemoryStore) User(identityKey string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[identityKey]
	if !ok {
		return User{}, false
	}
	return u.user, true
}

func (s *MemoryStore) UpsertUserPresence(ctx context.Context, identityKey string, update PresenceUpdate) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[identityKey]
	if !ok {
		u = &memoryUser{user: User{IdentityKey: identityKey}}
		s.users[identityKey] = u
	}
	if !ok || !update.Stamp.Before(u.stamp) {
		u.user.IsOnline = update.IsOnline
		u.user.ActiveConnectionID = update.ConnectionID
		u.user.LastSeen = update.Stamp
		u.stamp = update.Stamp
	}
	return u.user, nil
}

func (s *MemoryStore) ClearUserPresence(ctx context.Context, connectionID string, update PresenceUpdate) (User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.user.ActiveConnectionID == connectionID {
			u.user.IsOnline = false
			u.user.ActiveConnectionID = ""
			u.user.LastSeen = update.Stamp
			u.stamp = update.Stamp
			return u.user, true, nil
		}
	}
	return User{}, false, nil
}

func (s *MemoryStore) FindChatsByParticipant(ctx context.Context, identityKey string) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chats []Chat
	for _, c := range s.chats {
		for _, p := range c.chat.Participants {
			if p.IdentityKey == identityKey {
				chats = append(chats, cloneChat(c.chat))
				break
			}
		}
	}
	return chats, nil
}

func (s *MemoryStore) FindChatByID(ctx context.Context, chatID string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, ErrNotFound
	}
	return cloneChat(c.chat), nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Message{}, Chat{}, ErrNotFound
	}

	msg.ID = uuid.NewString()
	msg.ChatID = chatID
	msg.CreatedAt = time.Now()
	c.messages = append(c.messages, msg)

	c.chat.LastMessage = LastMessageSummary{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		Timestamp: msg.CreatedAt,
	}
	c.chat.UpdatedAt = msg.CreatedAt
	return msg, cloneChat(c.chat), nil
}

func (s *MemoryStore) AddReaderToMessage(ctx context.Context, chatID, messageID, identityKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return "", false, nil
	}
	for i := range c.messages {
		if c.messages[i].ID != messageID {
			continue
		}
		if slices.Contains(c.messages[i].ReadBy, identityKey) {
			return "", false, nil
		}
		c.messages[i].ReadBy = append(c.messages[i].ReadBy, identityKey)
		return c.messages[i].SenderID, true, nil
	}
	return "", false, nil
}

func cloneChat(c Chat) Chat {
	c.Participants = slices.Clone(c.Participants)
	return c
}
