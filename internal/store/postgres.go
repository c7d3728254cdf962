package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/chatwire/chatwire/internal/db"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const userColumns = "identity_key, name, email, avatar, is_online, last_seen, active_connection_id"

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(
		&u.IdentityKey,
		&u.Name,
		&u.Email,
		&u.Avatar,
		&u.IsOnline,
		&u.LastSeen,
		&u.ActiveConnectionID,
	)
	return u, err
}

// UpsertUserPresence writes the presence binding with last-writer-wins
// semantics: the conditional UPDATE only applies when the incoming stamp is
// not older than the stored one, so a slow earlier join cannot overwrite a
// newer reconnect.
func (s *PostgresStore) UpsertUserPresence(ctx context.Context, identityKey string, update PresenceUpdate) (User, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `
		INSERT INTO users (identity_key, is_online, active_connection_id, last_seen, presence_stamp)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (identity_key) DO UPDATE
		SET is_online = EXCLUDED.is_online,
		    active_connection_id = EXCLUDED.active_connection_id,
		    last_seen = EXCLUDED.last_seen,
		    presence_stamp = EXCLUDED.presence_stamp,
		    updated_at = now()
		WHERE users.presence_stamp <= EXCLUDED.presence_stamp
		RETURNING `+userColumns,
		identityKey, update.IsOnline, update.ConnectionID, update.Stamp,
	))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("upsert presence: %w", err)
	}

	// Stale write: a newer stamp already landed. Return the current row.
	user, err = scanUser(s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE identity_key = $1", identityKey))
	if err != nil {
		return User{}, fmt.Errorf("load user after stale presence write: %w", err)
	}
	return user, nil
}

// ClearUserPresence atomically clears the binding of whichever user is bound
// to connectionID. The WHERE clause is the stale-disconnect guard: a user who
// already reconnected on a different connection no longer matches.
func (s *PostgresStore) ClearUserPresence(ctx context.Context, connectionID string, update PresenceUpdate) (User, bool, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `
		UPDATE users
		SET is_online = FALSE,
		    last_seen = $2,
		    active_connection_id = '',
		    presence_stamp = $2,
		    updated_at = now()
		WHERE active_connection_id = $1
		RETURNING `+userColumns,
		connectionID, update.Stamp,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("clear presence: %w", err)
	}
	return user, true, nil
}

// FindChatsByParticipant returns every chat the identity participates in,
// most recently updated first.
func (s *PostgresStore) FindChatsByParticipant(ctx context.Context, identityKey string) ([]Chat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.last_message_content, c.last_message_sender_id, c.last_message_at, c.updated_at
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.identity_key = $1
		ORDER BY c.updated_at DESC
	`, identityKey)
	if err != nil {
		return nil, fmt.Errorf("find chats by participant: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	var ids []pgtype.UUID
	for rows.Next() {
		chat, id, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find chats by participant: %w", err)
	}

	participants, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		chats[i].Participants = participants[chats[i].ID]
	}
	return chats, nil
}

// FindChatByID returns the chat with its participant set, or ErrNotFound.
func (s *PostgresStore) FindChatByID(ctx context.Context, chatID string) (Chat, error) {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return Chat{}, ErrNotFound
	}

	chat, id, err := scanChat(s.pool.QueryRow(ctx, `
		SELECT id, last_message_content, last_message_sender_id, last_message_at, updated_at
		FROM chats WHERE id = $1
	`, pgChatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("find chat: %w", err)
	}

	participants, err := s.loadParticipants(ctx, []pgtype.UUID{id})
	if err != nil {
		return Chat{}, err
	}
	chat.Participants = participants[chat.ID]
	return chat, nil
}

// AppendMessage appends in a single transaction: message insert and summary
// overwrite commit together or not at all, so concurrent senders cannot lose
// an append or observe a summary that disagrees with the message sequence.
func (s *PostgresStore) AppendMessage(ctx context.Context, chatID string, msg Message) (Message, Chat, error) {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return Message{}, Chat{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, Chat{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var pgMsgID pgtype.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (chat_id, sender_id, sender_name, content, message_type, media_url, media_public_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, pgChatID, msg.SenderID, msg.SenderName, msg.Content, string(msg.Type), msg.MediaURL, msg.MediaPublicID,
	).Scan(&pgMsgID, &msg.CreatedAt)
	if err != nil {
		if dbpkg.IsForeignKeyViolation(err) {
			return Message{}, Chat{}, ErrNotFound
		}
		return Message{}, Chat{}, fmt.Errorf("append message: %w", err)
	}
	msg.ID = dbpkg.UUIDToString(pgMsgID)
	msg.ChatID = chatID

	chat, id, err := scanChat(tx.QueryRow(ctx, `
		UPDATE chats
		SET last_message_content = $2,
		    last_message_sender_id = $3,
		    last_message_at = $4,
		    updated_at = $4
		WHERE id = $1
		RETURNING id, last_message_content, last_message_sender_id, last_message_at, updated_at
	`, pgChatID, msg.Content, msg.SenderID, msg.CreatedAt))
	if err != nil {
		return Message{}, Chat{}, fmt.Errorf("update chat summary: %w", err)
	}

	participants, err := loadParticipantsTx(ctx, tx, id)
	if err != nil {
		return Message{}, Chat{}, err
	}
	chat.Participants = participants

	if err := tx.Commit(ctx); err != nil {
		return Message{}, Chat{}, fmt.Errorf("commit append: %w", err)
	}
	return msg, chat, nil
}

// AddReaderToMessage grows the readBy set in one conditional UPDATE. A missing
// chat or message, or an already-recorded reader, matches no row and reports
// applied=false without error.
func (s *PostgresStore) AddReaderToMessage(ctx context.Context, chatID, messageID, identityKey string) (string, bool, error) {
	pgChatID, err := dbpkg.ParseUUID(chatID)
	if err != nil {
		return "", false, nil
	}
	pgMsgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return "", false, nil
	}

	var senderID string
	err = s.pool.QueryRow(ctx, `
		UPDATE messages
		SET read_by = array_append(read_by, $3)
		WHERE id = $2 AND chat_id = $1 AND NOT ($3 = ANY (read_by))
		RETURNING sender_id
	`, pgChatID, pgMsgID, identityKey).Scan(&senderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("add reader: %w", err)
	}
	return senderID, true, nil
}

func scanChat(row pgx.Row) (Chat, pgtype.UUID, error) {
	var (
		chat   Chat
		id     pgtype.UUID
		lastAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &chat.LastMessage.Content, &chat.LastMessage.SenderID, &lastAt, &chat.UpdatedAt)
	if err != nil {
		return Chat{}, pgtype.UUID{}, err
	}
	chat.ID = dbpkg.UUIDToString(id)
	chat.LastMessage.Timestamp = dbpkg.TimeFromPg(lastAt)
	return chat, id, nil
}

func (s *PostgresStore) loadParticipants(ctx context.Context, chatIDs []pgtype.UUID) (map[string][]Participant, error) {
	if len(chatIDs) == 0 {
		return map[string][]Participant{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chat_id, identity_key, name, avatar
		FROM chat_participants
		WHERE chat_id = ANY ($1)
		ORDER BY chat_id, position
	`, chatIDs)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	result := map[string][]Participant{}
	for rows.Next() {
		var (
			id pgtype.UUID
			p  Participant
		)
		if err := rows.Scan(&id, &p.IdentityKey, &p.Name, &p.Avatar); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		key := dbpkg.UUIDToString(id)
		result[key] = append(result[key], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return result, nil
}

func loadParticipantsTx(ctx context.Context, tx pgx.Tx, chatID pgtype.UUID) ([]Participant, error) {
	rows, err := tx.Query(ctx, `
		SELECT identity_key, name, avatar
		FROM chat_participants
		WHERE chat_id = $1
		ORDER BY position
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	var participants []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.IdentityKey, &p.Name, &p.Avatar); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return participants, nil
}
