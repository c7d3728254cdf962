// Package presence adapts the store's user presence operations for the relay.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwire/chatwire/internal/store"
)

// Service reads and writes user online/offline/binding state with bounded
// store round-trips.
type Service struct {
	store   store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewService creates a presence service.
func NewService(log *slog.Logger, st store.Store, timeout time.Duration) *Service {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		store:   st,
		timeout: timeout,
		logger:  log.With(slog.String("service", "presence")),
	}
}

// MarkOnline binds the identity to the connection and marks it online. The
// stamp orders racing joins: an older write never overwrites a newer one.
func (s *Service) MarkOnline(ctx context.Context, identityKey, connectionID string, stamp time.Time) (store.User, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, err := s.store.UpsertUserPresence(ctx, identityKey, store.PresenceUpdate{
		IsOnline:     true,
		ConnectionID: connectionID,
		Stamp:        stamp,
	})
	if err != nil {
		return store.User{}, fmt.Errorf("mark online: %w", err)
	}
	return user, nil
}

// MarkOffline clears presence for whichever user is still bound to
// connectionID. A stale disconnect finds no binding and reports applied=false.
func (s *Service) MarkOffline(ctx context.Context, connectionID string, stamp time.Time) (store.User, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	user, applied, err := s.store.ClearUserPresence(ctx, connectionID, store.PresenceUpdate{
		Stamp: stamp,
	})
	if err != nil {
		return store.User{}, false, fmt.Errorf("mark offline: %w", err)
	}
	return user, applied, nil
}
