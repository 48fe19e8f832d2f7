// Package pgstore is an optional durable storage.Store backend over
// PostgreSQL: pooled connections, a retrying ping on startup, and a
// transaction helper.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"chatcore/internal/apperr"
	"chatcore/internal/chatmodel"
	"chatcore/internal/storage"
)

// Store wraps a *sql.DB configured for the Postgres driver.
type Store struct {
	db *sql.DB
}

// Open connects to dsn, verifying reachability with a short retry loop
// before returning.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		if pingErr = db.Ping(); pingErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	if pingErr != nil {
		db.Close()
		return nil, apperr.Wrap(pingErr, apperr.StorageError)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema used by this store. Real deployments are
// expected to run init scripts or a dedicated migration tool; this only
// creates tables if absent, to keep local/dev usage self-contained.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			message_count BIGINT NOT NULL DEFAULT 0,
			next_sequence_id BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			participant_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (conversation_id, participant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(conversation_id) ON DELETE CASCADE,
			sequence_id BIGINT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_kind TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (conversation_id, sequence_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(err, apperr.StorageError)
		}
	}
	return nil
}

// transaction runs fn inside a transaction, committing on success and
// rolling back on panic or error.
func (s *Store) transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	return nil
}

func (s *Store) StoreMessage(ctx context.Context, msg chatmodel.Message) error {
	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	query := `
		INSERT INTO messages (message_id, conversation_id, sequence_id, sender_id, sender_kind, kind, content, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.MessageID, msg.ConversationID, msg.SequenceID, msg.SenderID, msg.SenderKind,
		msg.Kind, msg.Content, msg.Status, metaJSON, msg.CreatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET message_count = message_count + 1, updated_at = now() WHERE conversation_id = $1`, msg.ConversationID)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	return nil
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID uint64) ([]chatmodel.Message, error) {
	// Without a lower bound, a limit keeps the newest messages; they are
	// fetched newest-first and reversed below.
	newestFirst := limit > 0 && afterSequenceID == 0
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}
	query := `
		SELECT message_id, conversation_id, sequence_id, sender_id, sender_kind, kind, content, status, metadata, created_at
		FROM messages
		WHERE conversation_id = $1 AND sequence_id > $2
		ORDER BY sequence_id ` + order
	args := []any{conversationID, afterSequenceID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	defer rows.Close()

	var out []chatmodel.Message
	for rows.Next() {
		var m chatmodel.Message
		var metaJSON sql.NullString
		var status sql.NullString
		if err := rows.Scan(&m.MessageID, &m.ConversationID, &m.SequenceID, &m.SenderID,
			&m.SenderKind, &m.Kind, &m.Content, &status, &metaJSON, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageError)
		}
		m.Status = chatmodel.MessageStatus(status.String)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, apperr.Wrap(err, apperr.StorageError)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	if newestFirst {
		for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
			out[l], out[r] = out[r], out[l]
		}
	}
	return out, nil
}

// NextSequenceID allocates the next sequence id atomically via a row lock,
// matching the "must be atomic under concurrent callers" contract.
func (s *Store) NextSequenceID(ctx context.Context, conversationID string) (uint64, error) {
	var next uint64
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		var current uint64
		err := tx.QueryRowContext(ctx, `SELECT next_sequence_id FROM conversations WHERE conversation_id = $1 FOR UPDATE`, conversationID).Scan(&current)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageError)
		}
		next = current + 1
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET next_sequence_id = $1 WHERE conversation_id = $2`, next, conversationID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageError)
		}
		return nil
	})
	return next, err
}

func (s *Store) CreateConversation(ctx context.Context, conv chatmodel.Conversation) error {
	metaJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, mode, message_count, next_sequence_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, conv.ConversationID, conv.Mode, conv.MessageCount, 0, metaJSON, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	return s.UpdateParticipants(ctx, conv.ConversationID, conv.Participants)
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error) {
	var conv chatmodel.Conversation
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, mode, message_count, metadata, created_at, updated_at
		FROM conversations WHERE conversation_id = $1
	`, conversationID).Scan(&conv.ConversationID, &conv.Mode, &conv.MessageCount, &metaJSON, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.UnknownConversation, "no such conversation")
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &conv.Metadata); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageError)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT participant_id, display_name, kind, joined_at FROM participants WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	defer rows.Close()
	for rows.Next() {
		var p chatmodel.Participant
		if err := rows.Scan(&p.ParticipantID, &p.DisplayName, &p.Kind, &p.JoinedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageError)
		}
		conv.Participants = append(conv.Participants, p)
	}
	return &conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv chatmodel.Conversation) error {
	metaJSON, err := json.Marshal(conv.Metadata)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE conversations SET mode = $1, message_count = $2, metadata = $3, updated_at = now()
		WHERE conversation_id = $4
	`, conv.Mode, conv.MessageCount, metaJSON, conv.ConversationID)
	if err != nil {
		return apperr.Wrap(err, apperr.StorageError)
	}
	return nil
}

func (s *Store) GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]chatmodel.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.conversation_id, c.mode, c.message_count, c.metadata, c.created_at, c.updated_at
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.conversation_id
		WHERE p.participant_id = $1
		ORDER BY c.updated_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.StorageError)
	}
	defer rows.Close()

	var out []chatmodel.Conversation
	for rows.Next() {
		var conv chatmodel.Conversation
		var metaJSON sql.NullString
		if err := rows.Scan(&conv.ConversationID, &conv.Mode, &conv.MessageCount, &metaJSON, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.StorageError)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			json.Unmarshal([]byte(metaJSON.String), &conv.Metadata)
		}
		out = append(out, conv)
	}
	return out, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, participantID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE conversation_id = $1 AND participant_id = $2`, conversationID, participantID).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(err, apperr.StorageError)
	}
	return count > 0, nil
}

func (s *Store) GetParticipantCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, apperr.Wrap(err, apperr.StorageError)
	}
	return count, nil
}

func (s *Store) UpdateParticipants(ctx context.Context, conversationID string, participants []chatmodel.Participant) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id = $1`, conversationID); err != nil {
			return apperr.Wrap(err, apperr.StorageError)
		}
		for _, p := range participants {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO participants (conversation_id, participant_id, display_name, kind, joined_at)
				VALUES ($1, $2, $3, $4, $5)
			`, conversationID, p.ParticipantID, p.DisplayName, p.Kind, p.JoinedAt)
			if err != nil {
				return apperr.Wrap(err, apperr.StorageError)
			}
		}
		mode := chatmodel.ComputeMode(participants)
		_, err := tx.ExecContext(ctx, `UPDATE conversations SET mode = $1, updated_at = now() WHERE conversation_id = $2`, mode, conversationID)
		if err != nil {
			return apperr.Wrap(err, apperr.StorageError)
		}
		return nil
	})
}

var _ storage.Store = (*Store)(nil)
