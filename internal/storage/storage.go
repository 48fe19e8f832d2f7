// Package storage defines the persistence contract the conversation
// manager depends on, independent of which backend is configured.
package storage

import (
	"context"

	"chatcore/internal/chatmodel"
)

// Store is the storage backend contract. Implementations must make
// StoreMessage idempotent on message_id and NextSequenceID atomic under
// concurrent callers for the same conversation.
type Store interface {
	StoreMessage(ctx context.Context, msg chatmodel.Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID uint64) ([]chatmodel.Message, error)
	NextSequenceID(ctx context.Context, conversationID string) (uint64, error)

	CreateConversation(ctx context.Context, conv chatmodel.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error)
	UpdateConversation(ctx context.Context, conv chatmodel.Conversation) error
	GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]chatmodel.Conversation, error)

	IsParticipant(ctx context.Context, conversationID, participantID string) (bool, error)
	GetParticipantCount(ctx context.Context, conversationID string) (int, error)
	UpdateParticipants(ctx context.Context, conversationID string, participants []chatmodel.Participant) error
}

// ErrNotFound signals a conversation or message absent from the backend.
type ErrNotFound struct{ What string }

func (e *ErrNotFound) Error() string { return e.What + " not found" }
