// Package memstore is the in-memory reference implementation of
// storage.Store, used as the default backend and in every unit test that
// does not specifically exercise the Postgres backend.
package memstore

import (
	"context"
	"sort"
	"sync"

	"chatcore/internal/apperr"
	"chatcore/internal/chatmodel"
	"chatcore/internal/storage"
)

type conversationRecord struct {
	mu           sync.Mutex
	conversation chatmodel.Conversation
	messages     []chatmodel.Message
	seenIDs      map[string]struct{}
	nextSeq      uint64
}

// Store is a goroutine-safe, process-local implementation of storage.Store.
// Each conversation owns its own mutex so that unrelated conversations never
// contend with one another.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversationRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{conversations: make(map[string]*conversationRecord)}
}

func (s *Store) record(conversationID string) *conversationRecord {
	s.mu.RLock()
	rec, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if ok {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.conversations[conversationID]; ok {
		return rec
	}
	rec = &conversationRecord{seenIDs: make(map[string]struct{})}
	s.conversations[conversationID] = rec
	return rec
}

func (s *Store) CreateConversation(ctx context.Context, conv chatmodel.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ConversationID]; ok {
		return apperr.New(apperr.AlreadyMember, "conversation already exists")
	}
	rec := &conversationRecord{conversation: conv, seenIDs: make(map[string]struct{})}
	s.conversations[conv.ConversationID] = rec
	return nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*chatmodel.Conversation, error) {
	s.mu.RLock()
	rec, ok := s.conversations[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.UnknownConversation, "no such conversation")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	conv := rec.conversation
	return &conv, nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv chatmodel.Conversation) error {
	rec := s.record(conv.ConversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.conversation = conv
	return nil
}

func (s *Store) GetUserConversations(ctx context.Context, userID string, limit, offset int) ([]chatmodel.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []chatmodel.Conversation
	for _, rec := range s.conversations {
		rec.mu.Lock()
		for _, p := range rec.conversation.Participants {
			if p.ParticipantID == userID {
				matches = append(matches, rec.conversation)
				break
			}
		}
		rec.mu.Unlock()
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	if offset >= len(matches) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matches) || limit <= 0 {
		end = len(matches)
	}
	return matches[offset:end], nil
}

func (s *Store) StoreMessage(ctx context.Context, msg chatmodel.Message) error {
	rec := s.record(msg.ConversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, seen := rec.seenIDs[msg.MessageID]; seen {
		return nil
	}
	rec.seenIDs[msg.MessageID] = struct{}{}
	// Keep messages ordered by sequence id even when writes land out of order.
	i := sort.Search(len(rec.messages), func(i int) bool { return rec.messages[i].SequenceID > msg.SequenceID })
	rec.messages = append(rec.messages, chatmodel.Message{})
	copy(rec.messages[i+1:], rec.messages[i:])
	rec.messages[i] = msg
	rec.conversation.MessageCount++
	return nil
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID string, limit int, afterSequenceID uint64) ([]chatmodel.Message, error) {
	rec := s.record(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	var out []chatmodel.Message
	for _, m := range rec.messages {
		if m.SequenceID > afterSequenceID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) NextSequenceID(ctx context.Context, conversationID string) (uint64, error) {
	rec := s.record(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.nextSeq++
	return rec.nextSeq, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, participantID string) (bool, error) {
	rec := s.record(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, p := range rec.conversation.Participants {
		if p.ParticipantID == participantID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetParticipantCount(ctx context.Context, conversationID string) (int, error) {
	rec := s.record(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.conversation.Participants), nil
}

func (s *Store) UpdateParticipants(ctx context.Context, conversationID string, participants []chatmodel.Participant) error {
	rec := s.record(conversationID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.conversation.Participants = participants
	rec.conversation.Mode = chatmodel.ComputeMode(participants)
	return nil
}

var _ storage.Store = (*Store)(nil)
