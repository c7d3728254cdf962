// Package store defines the persistence contract of the relay and its
// PostgreSQL and in-memory implementations.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a chat, message, or user does not exist.
var ErrNotFound = errors.New("not found")

// Store is the durable persistence layer consumed by the relay core.
//
// Every mutation is an atomic conditional update on the store side: the relay
// holds no locks, so concurrent handlers touching the same record rely
// entirely on these operations not interleaving partially.
type Store interface {
	// Ping reports store connectivity.
	Ping(ctx context.Context) error

	// UpsertUserPresence creates or updates the user's presence binding.
	// The write applies only when update.Stamp is not older than the stored
	// stamp; either way the returned User reflects the row after the call.
	UpsertUserPresence(ctx context.Context, identityKey string, update PresenceUpdate) (User, error)

	// ClearUserPresence marks the user bound to connectionID offline and
	// clears the binding. When no user is bound to connectionID (the user
	// already reconnected elsewhere, or never joined) it reports applied=false
	// and no error: a stale disconnect must not clear current presence.
	ClearUserPresence(ctx context.Context, connectionID string, update PresenceUpdate) (User, bool, error)

	// FindChatsByParticipant returns every chat the identity participates in.
	FindChatsByParticipant(ctx context.Context, identityKey string) ([]Chat, error)

	// FindChatByID returns the chat, or ErrNotFound.
	FindChatByID(ctx context.Context, chatID string) (Chat, error)

	// AppendMessage atomically appends msg to the chat and overwrites the
	// chat's LastMessageSummary and updated-at. The returned Message carries
	// the store-assigned ID and creation timestamp; the returned Chat reflects
	// the post-append summary and participant set. Returns ErrNotFound when
	// the chat does not exist.
	AppendMessage(ctx context.Context, chatID string, msg Message) (Message, Chat, error)

	// AddReaderToMessage adds identityKey to the message's readBy set if not
	// already present (monotone union). It reports the message's sender and
	// whether the set actually changed. Absent chat or message yields
	// applied=false and no error.
	AddReaderToMessage(ctx context.Context, chatID, messageID, identityKey string) (senderID string, applied bool, err error)
}
