package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	migrationsfs "github.com/chatwire/chatwire/db"
)

// newPostgresStore connects to TEST_POSTGRES_DSN, applies migrations, and
// truncates relay tables. Skipped when the variable is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	migrations, err := fs.Sub(migrationsfs.MigrationsFS, "migrations")
	if err != nil {
		t.Fatalf("migrations fs: %v", err)
	}
	src, err := iofs.New(migrations, ".")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}
	m.Close()

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "TRUNCATE users, chats, chat_participants, messages"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return NewPostgresStore(pool)
}

func seedPostgresChat(t *testing.T, s *PostgresStore, participants ...Participant) string {
	t.Helper()
	ctx := context.Background()

	var chatID string
	if err := s.pool.QueryRow(ctx, "INSERT INTO chats DEFAULT VALUES RETURNING id").Scan(&chatID); err != nil {
		t.Fatalf("insert chat: %v", err)
	}
	for i, p := range participants {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO chat_participants (chat_id, identity_key, name, avatar, position)
			VALUES ($1, $2, $3, $4, $5)
		`, chatID, p.IdentityKey, p.Name, p.Avatar, i)
		if err != nil {
			t.Fatalf("insert participant: %v", err)
		}
	}
	return chatID
}

func TestPostgresPresenceLastWriterWins(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	t1 := time.Now().UTC()
	t2 := t1.Add(50 * time.Millisecond)

	if _, err := s.UpsertUserPresence(ctx, "user-a", PresenceUpdate{IsOnline: true, ConnectionID: "conn-2", Stamp: t2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	user, err := s.UpsertUserPresence(ctx, "user-a", PresenceUpdate{IsOnline: true, ConnectionID: "conn-1", Stamp: t1})
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if user.ActiveConnectionID != "conn-2" {
		t.Fatalf("expected conn-2 to stay bound, got %q", user.ActiveConnectionID)
	}

	// Stale disconnect for conn-1 is a no-op; conn-2's disconnect applies.
	if _, applied, err := s.ClearUserPresence(ctx, "conn-1", PresenceUpdate{Stamp: t2.Add(time.Second)}); err != nil || applied {
		t.Fatalf("stale disconnect must not apply: applied=%v err=%v", applied, err)
	}
	user, applied, err := s.ClearUserPresence(ctx, "conn-2", PresenceUpdate{Stamp: t2.Add(2 * time.Second)})
	if err != nil || !applied {
		t.Fatalf("disconnect: applied=%v err=%v", applied, err)
	}
	if user.IsOnline || user.ActiveConnectionID != "" {
		t.Fatalf("expected offline with cleared binding, got %+v", user)
	}
}

func TestPostgresAppendAndReceipts(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	chatID := seedPostgresChat(t, s,
		Participant{IdentityKey: "user-a", Name: "Alice"},
		Participant{IdentityKey: "user-b", Name: "Bob"},
	)

	msg, chat, err := s.AppendMessage(ctx, chatID, Message{
		SenderID:   "user-a",
		SenderName: "Alice",
		Content:    "hi",
		Type:       MessageTypeText,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected store-assigned id and timestamp, got %+v", msg)
	}
	if chat.LastMessage.Content != "hi" || chat.LastMessage.SenderID != "user-a" {
		t.Fatalf("summary does not reflect appended message: %+v", chat.LastMessage)
	}
	if len(chat.Participants) != 2 {
		t.Fatalf("expected both participants, got %+v", chat.Participants)
	}

	sender, applied, err := s.AddReaderToMessage(ctx, chatID, msg.ID, "user-b")
	if err != nil || !applied || sender != "user-a" {
		t.Fatalf("first mark: sender=%q applied=%v err=%v", sender, applied, err)
	}
	if _, applied, err = s.AddReaderToMessage(ctx, chatID, msg.ID, "user-b"); err != nil || applied {
		t.Fatalf("duplicate mark must be a no-op: applied=%v err=%v", applied, err)
	}

	chats, err := s.FindChatsByParticipant(ctx, "user-b")
	if err != nil {
		t.Fatalf("find chats: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != chatID {
		t.Fatalf("expected only chat %s for user-b, got %+v", chatID, chats)
	}

	chat, err = s.FindChatByID(ctx, chatID)
	if err != nil {
		t.Fatalf("find chat by id: %v", err)
	}
	if chat.LastMessage.Content != "hi" || len(chat.Participants) != 2 {
		t.Fatalf("unexpected chat by id: %+v", chat)
	}
}

func TestPostgresAppendUnknownChat(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	for _, chatID := range []string{"6d0abf5a-22a9-4f26-9b63-c4c4a24a3c3b", "not-a-uuid"} {
		if _, _, err := s.AppendMessage(ctx, chatID, Message{SenderID: "user-a", Type: MessageTypeText}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("chat %q: expected ErrNotFound, got %v", chatID, err)
		}
	}
}
