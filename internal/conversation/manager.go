// Package conversation implements the Conversation Manager: the control
// core handling membership and mode tracking, sequence-gated admission,
// queue shedding, fan-out delivery, and re-entrant AI replies, built
// around an explicit per-conversation mutex and worker-pool dispatch.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/ai"
	"chatcore/internal/apperr"
	"chatcore/internal/cache"
	"chatcore/internal/chatmodel"
	"chatcore/internal/obsmetrics"
	"chatcore/internal/participant"
	"chatcore/internal/storage"
	"chatcore/internal/workers"
)

// Broadcaster is the outbound port the manager fans messages out through;
// implemented by connection.Manager.
type Broadcaster interface {
	BroadcastToConversation(conversationID string, payload []byte, excludeParticipantID string)
}

// Config bounds the manager's behavior.
type Config struct {
	SingleModeTimeout time.Duration
	MultiModeTimeout  time.Duration
	QueueSizeLimit    int
	MaxParticipants   int
	HumanContextSize  int
	AIContextSize     int
}

func (c Config) withDefaults() Config {
	if c.SingleModeTimeout <= 0 {
		c.SingleModeTimeout = 20 * time.Second
	}
	if c.MultiModeTimeout <= 0 {
		c.MultiModeTimeout = 60 * time.Second
	}
	if c.QueueSizeLimit <= 0 {
		c.QueueSizeLimit = 1000
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = 50
	}
	if c.HumanContextSize <= 0 {
		c.HumanContextSize = 5
	}
	if c.AIContextSize <= 0 {
		c.AIContextSize = 1
	}
	return c
}

// state is the mutable, lock-guarded state tracked per conversation.
type state struct {
	mu               sync.Mutex
	conversation     chatmodel.Conversation
	participants     map[string]participant.Participant
	queueDepth       int
	activeAIJobs     map[string]struct{} // key: message_id + "_" + participant_id
	failures         []chatmodel.Failure
	processingIDs    map[string]uint64 // message_id -> sequence_id, for idempotent acks
}

// Manager is the conversation control core.
type Manager struct {
	cfg     Config
	store   storage.Store
	cache   *cache.Cache
	pool    *workers.PoolManager
	bcast   Broadcaster
	metrics *obsmetrics.ConversationMetrics

	mu    sync.RWMutex
	convs map[string]*state
}

// New builds a Manager. metrics may be nil.
func New(cfg Config, store storage.Store, c *cache.Cache, pool *workers.PoolManager, bcast Broadcaster, metrics *obsmetrics.ConversationMetrics) *Manager {
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   store,
		cache:   c,
		pool:    pool,
		bcast:   bcast,
		metrics: metrics,
		convs:   make(map[string]*state),
	}
}

func (m *Manager) stateFor(conversationID string) *state {
	m.mu.RLock()
	s, ok := m.convs[conversationID]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.convs[conversationID]; ok {
		return s
	}
	s = &state{
		participants:  make(map[string]participant.Participant),
		activeAIJobs:  make(map[string]struct{}),
		processingIDs: make(map[string]uint64),
	}
	m.convs[conversationID] = s
	return s
}

// CreateConversation registers a brand new conversation.
func (m *Manager) CreateConversation(ctx context.Context, conversationID string) error {
	conv := chatmodel.Conversation{
		ConversationID: conversationID,
		Mode:           chatmodel.ModeSingle,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return err
	}
	s := m.stateFor(conversationID)
	s.mu.Lock()
	s.conversation = conv
	s.mu.Unlock()
	return nil
}

// AddParticipant adds p to the conversation, recomputing mode and
// broadcasting a mode-change notice when it flips.
func (m *Manager) AddParticipant(ctx context.Context, conversationID string, p participant.Participant) error {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	id := p.Info().ParticipantID
	if _, exists := s.participants[id]; exists {
		return apperr.New(apperr.AlreadyMember, "participant already in conversation")
	}
	if len(s.participants) >= m.cfg.MaxParticipants {
		return apperr.NewWithDetails(apperr.LimitExceeded, "conversation is at max participants", map[string]any{
			"conversation_id": conversationID,
			"limit":           m.cfg.MaxParticipants,
		})
	}

	s.participants[id] = p
	prevMode := s.conversation.Mode
	s.conversation.Participants = snapshotInfos(s.participants)
	s.conversation.Mode = chatmodel.ComputeMode(s.conversation.Participants)
	s.conversation.UpdatedAt = time.Now()

	if err := m.store.UpdateParticipants(ctx, conversationID, s.conversation.Participants); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.SetParticipants(conversationID, s.conversation.Participants, s.conversation.Mode)
	}
	if prevMode != s.conversation.Mode {
		timeout := s.conversation.InputTimeout(m.cfg.SingleModeTimeout, m.cfg.MultiModeTimeout)
		m.broadcastModeChange(conversationID, s.conversation.Mode, timeout)
	}
	return nil
}

// RemoveParticipant removes a participant, recomputing mode the same way.
func (m *Manager) RemoveParticipant(ctx context.Context, conversationID, participantID string) error {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.participants[participantID]; !exists {
		return apperr.New(apperr.NotMember, "participant is not in conversation")
	}
	delete(s.participants, participantID)
	prevMode := s.conversation.Mode
	s.conversation.Participants = snapshotInfos(s.participants)
	s.conversation.Mode = chatmodel.ComputeMode(s.conversation.Participants)
	s.conversation.UpdatedAt = time.Now()

	if err := m.store.UpdateParticipants(ctx, conversationID, s.conversation.Participants); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.SetParticipants(conversationID, s.conversation.Participants, s.conversation.Mode)
	}
	if prevMode != s.conversation.Mode {
		timeout := s.conversation.InputTimeout(m.cfg.SingleModeTimeout, m.cfg.MultiModeTimeout)
		m.broadcastModeChange(conversationID, s.conversation.Mode, timeout)
	}
	return nil
}

func snapshotInfos(m map[string]participant.Participant) []chatmodel.Participant {
	out := make([]chatmodel.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// Mode reports a conversation's current mode.
func (m *Manager) Mode(conversationID string) chatmodel.ConversationMode {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation.Mode
}

// InputTimeout reports the turn deadline for a conversation's current mode.
func (m *Manager) InputTimeout(conversationID string) time.Duration {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation.InputTimeout(m.cfg.SingleModeTimeout, m.cfg.MultiModeTimeout)
}

// broadcastModeChange emits the mode_change frame. Callers already hold
// s.mu when they invoke this (AddParticipant/RemoveParticipant), so
// inputTimeout is passed in rather than recomputed here to avoid a
// re-entrant lock acquisition.
func (m *Manager) broadcastModeChange(conversationID string, mode chatmodel.ConversationMode, inputTimeout time.Duration) {
	if m.bcast == nil {
		return
	}
	payload := []byte(fmt.Sprintf(`{"type":"mode_change","conversation_id":%q,"mode":%q,"input_timeout":%d,"timestamp":%d}`,
		conversationID, mode, inputTimeout.Milliseconds(), time.Now().UnixMilli()))
	m.bcast.BroadcastToConversation(conversationID, payload, "")
}

// Participants returns a snapshot of a conversation's current membership.
func (m *Manager) Participants(conversationID string) []chatmodel.Participant {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatmodel.Participant, len(s.conversation.Participants))
	copy(out, s.conversation.Participants)
	return out
}

// NewMessageID mints a message id of the form msg_ followed by the first 12
// characters of a UUID string (8 hex digits, a hyphen, 3 hex digits).
func NewMessageID() string {
	return "msg_" + uuid.NewString()[:12]
}

// ProcessMessage is the ingress entry point: precondition check, idempotency
// check, admission control (with shedding fallback), sequence allocation,
// fire-and-forget persistence, fire-and-forget fan-out delivery, and
// fire-and-forget broadcast excluding the sender. It hands back the
// sequenced message so the caller can ack the sender.
func (m *Manager) ProcessMessage(ctx context.Context, msg chatmodel.Message) (chatmodel.Message, error) {
	s := m.stateFor(msg.ConversationID)

	s.mu.Lock()
	if s.conversation.ConversationID == "" {
		s.mu.Unlock()
		return chatmodel.Message{}, apperr.New(apperr.UnknownConversation, "conversation does not exist")
	}
	if msg.SenderKind != chatmodel.SenderSystem {
		if _, ok := s.participants[msg.SenderID]; !ok {
			s.mu.Unlock()
			return chatmodel.Message{}, apperr.New(apperr.UnknownSender, "sender is not a participant of this conversation")
		}
	}

	if seq, exists := s.processingIDs[msg.MessageID]; exists {
		s.mu.Unlock()
		msg.SequenceID = seq
		return msg, nil // already accepted; duplicate ingress re-acks the original sequence
	}

	if s.queueDepth >= m.cfg.QueueSizeLimit {
		if !m.tryDropOldestAIJobLocked(s) {
			depth, limit := s.queueDepth, m.cfg.QueueSizeLimit
			s.mu.Unlock()
			return chatmodel.Message{}, apperr.QueueFullError(msg.ConversationID, depth, limit)
		}
	}

	seq, err := m.store.NextSequenceID(ctx, msg.ConversationID)
	if err != nil {
		s.mu.Unlock()
		return chatmodel.Message{}, apperr.Wrap(err, apperr.StorageError)
	}
	msg.SequenceID = seq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.processingIDs[msg.MessageID] = seq
	s.queueDepth++
	s.conversation.MessageCount++
	depth := s.queueDepth
	members := snapshotParticipants(s.participants) // captured once, before fan-out begins
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetQueueDepth(msg.ConversationID, depth)
	}

	m.pool.SubmitPersistence(func() {
		if err := m.store.StoreMessage(context.Background(), msg); err != nil {
			apperr.Wrap(err, apperr.StorageError)
		}
		if m.cache != nil {
			m.cache.PutMessage(msg)
		}
		m.decrementQueueDepth(msg.ConversationID)
	})

	m.broadcastMessage(msg)
	m.deliverToParticipants(msg, members)
	return msg, nil
}

func snapshotParticipants(m map[string]participant.Participant) []participant.Participant {
	out := make([]participant.Participant, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func (m *Manager) decrementQueueDepth(conversationID string) {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	if s.queueDepth > 0 {
		s.queueDepth--
	}
	depth := s.queueDepth
	s.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetQueueDepth(conversationID, depth)
	}
}

// tryDropOldestAIJobLocked sheds the lexicographically oldest in-flight AI
// job to make room for a new message. Caller must hold s.mu.
func (m *Manager) tryDropOldestAIJobLocked(s *state) bool {
	if len(s.activeAIJobs) == 0 {
		return false
	}
	var oldest string
	for k := range s.activeAIJobs {
		if oldest == "" || k < oldest {
			oldest = k
		}
	}
	delete(s.activeAIJobs, oldest)
	if s.queueDepth > 0 {
		s.queueDepth--
	}
	if m.metrics != nil {
		m.metrics.RecordShed()
	}
	return true
}

func (m *Manager) broadcastMessage(msg chatmodel.Message) {
	if m.bcast == nil {
		return
	}
	type wireMessage struct {
		Type string `json:"type"`
		chatmodel.Message
	}
	payload, err := json.Marshal(wireMessage{Type: "message", Message: msg})
	if err != nil {
		return
	}
	m.bcast.BroadcastToConversation(msg.ConversationID, payload, msg.SenderID)
}

// bcastChunkSink streams an AI participant's incremental output to the rest
// of the conversation as it arrives, rather than only after the final reply
// is persisted.
type bcastChunkSink struct {
	bcast          Broadcaster
	conversationID string
	participantID  string
}

func (s bcastChunkSink) WriteChunk(ctx context.Context, chunk string) error {
	if s.bcast == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"type":            "ai_chunk",
		"conversation_id": s.conversationID,
		"participant_id":  s.participantID,
		"content":         chunk,
	})
	if err != nil {
		return err
	}
	s.bcast.BroadcastToConversation(s.conversationID, payload, "")
	return nil
}

// deliverToParticipants fans msg out to every participant present in the
// captured membership snapshot, dispatching AI participants onto the worker
// pool and tracking per-participant delivery failures.
func (m *Manager) deliverToParticipants(msg chatmodel.Message, members []participant.Participant) {
	s := m.stateFor(msg.ConversationID)

	ctxEntries := m.contextFor(msg)

	for _, p := range members {
		if p.Info().ParticipantID == msg.SenderID {
			continue // never echo a message back to its own sender
		}
		p := p
		switch p.Info().Kind {
		case chatmodel.SenderAI:
			jobKey := msg.MessageID + "_" + p.Info().ParticipantID
			s.mu.Lock()
			s.activeAIJobs[jobKey] = struct{}{}
			active := len(s.activeAIJobs)
			s.mu.Unlock()
			if m.metrics != nil {
				m.metrics.SetActiveAIJobs(msg.ConversationID, active)
			}

			m.pool.SubmitAIJob(func() {
				defer func() {
					s.mu.Lock()
					delete(s.activeAIJobs, jobKey)
					active := len(s.activeAIJobs)
					s.mu.Unlock()
					if m.metrics != nil {
						m.metrics.SetActiveAIJobs(msg.ConversationID, active)
					}
				}()
				sink := bcastChunkSink{bcast: m.bcast, conversationID: msg.ConversationID, participantID: p.Info().ParticipantID}
				reply, err := p.Process(context.Background(), msg, ctxEntries, sink)
				if err != nil {
					m.recordFailure(msg, p.Info().ParticipantID, err)
					if m.metrics != nil {
						m.metrics.RecordDelivery("failed")
					}
					return
				}
				if m.metrics != nil {
					m.metrics.RecordDelivery("ok")
				}
				if reply != nil {
					if reply.MessageID == "" {
						reply.MessageID = NewMessageID()
					}
					// Re-entrant ingress: runs on this AI job's worker after
					// Process has returned, with no conversation lock held.
					if _, err := m.ProcessMessage(context.Background(), *reply); err != nil {
						m.recordFailure(*reply, reply.SenderID, err)
					}
				}
			})
		default:
			// Humans receive the fan-out purely through the connection
			// manager's broadcast above; there is nothing further to do.
		}
	}
}

func (m *Manager) contextFor(msg chatmodel.Message) []participant.ContextEntry {
	var recent []chatmodel.Message
	if m.cache != nil {
		if cached, ok := m.cache.RecentMessages(msg.ConversationID, m.cfg.HumanContextSize+m.cfg.AIContextSize+1); ok {
			recent = cached
		}
	}
	if recent == nil {
		got, err := m.store.GetConversationMessages(context.Background(), msg.ConversationID, m.cfg.HumanContextSize+m.cfg.AIContextSize+1, 0)
		if err == nil {
			recent = got
		}
	}
	builder := ai.ContextBuilder{HumanLimit: m.cfg.HumanContextSize, AILimit: m.cfg.AIContextSize}
	return builder.Build(recent, msg)
}

func (m *Manager) recordFailure(msg chatmodel.Message, participantID string, err error) {
	s := m.stateFor(msg.ConversationID)
	s.mu.Lock()
	s.failures = append(s.failures, chatmodel.Failure{
		MessageID:     msg.MessageID,
		ParticipantID: participantID,
		Reason:        err.Error(),
		OccurredAt:    time.Now(),
	})
	s.mu.Unlock()
}

// Failures returns the recorded delivery failures for a conversation.
func (m *Manager) Failures(conversationID string) []chatmodel.Failure {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatmodel.Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// ActiveAIJobs returns the in-flight AI job keys for a conversation.
func (m *Manager) ActiveAIJobs(conversationID string) []string {
	s := m.stateFor(conversationID)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.activeAIJobs))
	for k := range s.activeAIJobs {
		out = append(out, k)
	}
	return out
}
