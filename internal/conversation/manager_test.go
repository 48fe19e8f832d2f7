package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatcore/internal/apperr"
	"chatcore/internal/chatmodel"
	"chatcore/internal/participant"
	"chatcore/internal/storage/memstore"
	"chatcore/internal/workers"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	conversationID        string
	payload               string
	excludeParticipantID string
}

func (b *recordingBroadcaster) BroadcastToConversation(conversationID string, payload []byte, excludeParticipantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, broadcastCall{conversationID, string(payload), excludeParticipantID})
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// stubAI is a participant.Participant whose AI replies are controlled by
// the test, used to exercise the re-entrant ProcessMessage dispatch path.
type stubAI struct {
	info  chatmodel.Participant
	reply *chatmodel.Message
	err   error
	calls *int32
}

func (s *stubAI) Info() chatmodel.Participant { return s.info }
func (s *stubAI) Process(ctx context.Context, msg chatmodel.Message, history []participant.ContextEntry, sink participant.ChunkSink) (*chatmodel.Message, error) {
	if s.calls != nil {
		*s.calls++
	}
	return s.reply, s.err
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *recordingBroadcaster) {
	t.Helper()
	pool := workers.NewPoolManager(workers.PoolConfig{AIJobWorkers: 2, PersistenceWorkers: 2})
	t.Cleanup(pool.Shutdown)
	bcast := &recordingBroadcaster{}
	m := New(cfg, memstore.New(), nil, pool, bcast, nil)
	return m, bcast
}

func mustCreate(t *testing.T, m *Manager, conversationID string) {
	t.Helper()
	if err := m.CreateConversation(context.Background(), conversationID); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
}

func TestAddParticipantComputesModeAndBroadcastsChange(t *testing.T) {
	m, bcast := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	human1 := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human1); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if m.Mode("c1") != chatmodel.ModeSingle {
		t.Fatalf("expected single mode with 1 participant, got %v", m.Mode("c1"))
	}

	human2 := participant.NewHuman(chatmodel.Participant{ParticipantID: "bob"})
	if err := m.AddParticipant(context.Background(), "c1", human2); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if m.Mode("c1") != chatmodel.ModeMulti {
		t.Fatalf("expected multi mode with 2 humans, got %v", m.Mode("c1"))
	}
	if bcast.count() != 1 {
		t.Fatalf("expected exactly one mode_change broadcast, got %d", bcast.count())
	}
}

func TestAddParticipantRejectsDuplicateMembership(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	human := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	err := m.AddParticipant(context.Background(), "c1", human)
	if err == nil {
		t.Fatal("expected AlreadyMember error on duplicate join")
	}
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.AlreadyMember {
		t.Fatalf("expected AlreadyMember, got %v", err)
	}
}

func TestAddParticipantRejectsOverCapacity(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxParticipants: 1})
	mustCreate(t, m, "c1")

	if err := m.AddParticipant(context.Background(), "c1", participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	err := m.AddParticipant(context.Background(), "c1", participant.NewHuman(chatmodel.Participant{ParticipantID: "bob"}))
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.LimitExceeded {
		t.Fatalf("expected LimitExceeded, got %v", err)
	}
}

func TestRemoveParticipantRejectsNonMember(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	err := m.RemoveParticipant(context.Background(), "c1", "ghost")
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.NotMember {
		t.Fatalf("expected NotMember, got %v", err)
	}
}

func TestProcessMessageIsIdempotentOnDuplicateMessageID(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")
	human := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	msg := chatmodel.Message{MessageID: "dup-1", ConversationID: "c1", SenderID: "alice", SenderKind: chatmodel.SenderHuman}
	first, err := m.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("first ProcessMessage: %v", err)
	}
	second, err := m.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("duplicate ProcessMessage should be a no-op, got error: %v", err)
	}
	if second.SequenceID != first.SequenceID {
		t.Fatalf("expected duplicate ack to report the original sequence_id %d, got %d", first.SequenceID, second.SequenceID)
	}

	var stored []chatmodel.Message
	waitForCondition(t, func() bool {
		var err error
		stored, err = m.store.GetConversationMessages(context.Background(), "c1", 10, 0)
		return err == nil && len(stored) >= 1
	})
	if len(stored) != 1 {
		t.Fatalf("expected exactly 1 stored message despite duplicate ingress, got %d", len(stored))
	}
}

func TestProcessMessageRejectsUnknownConversation(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "never-created", SenderID: "alice"})
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.UnknownConversation {
		t.Fatalf("expected UnknownConversation, got %v", err)
	}
}

func TestProcessMessageRejectsUnknownSender(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")
	human := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "c1", SenderID: "mallory", SenderKind: chatmodel.SenderHuman})
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.UnknownSender {
		t.Fatalf("expected UnknownSender, got %v", err)
	}
}

func TestProcessMessageAcceptsSystemSenderWithoutMembership(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "c1", SenderID: "system", SenderKind: chatmodel.SenderSystem})
	if err != nil {
		t.Fatalf("expected system sender to bypass membership check, got %v", err)
	}
}

func TestProcessMessageRejectsWhenQueueFullAndNoJobsToShed(t *testing.T) {
	m, _ := newTestManager(t, Config{QueueSizeLimit: 1})
	mustCreate(t, m, "c1")
	human := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	// Manually inflate queueDepth past the limit without anything sheddable.
	s := m.stateFor("c1")
	s.mu.Lock()
	s.queueDepth = 1
	s.mu.Unlock()

	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "c1", SenderID: "alice"})
	appErr, ok := apperr.IsAppError(err)
	if !ok || appErr.Code != apperr.QueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
}

func TestDeliverToParticipantsExcludesSenderFromAIDispatch(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	var calls int32
	ai := &stubAI{info: chatmodel.Participant{ParticipantID: "alice", Kind: chatmodel.SenderAI}, calls: &calls}
	if err := m.AddParticipant(context.Background(), "c1", ai); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	// The sender and the only AI participant are the same id: no self-echo,
	// and the AI must not be invoked on its own message.
	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "c1", SenderID: "alice", SenderKind: chatmodel.SenderAI})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected AI participant to not process its own message, got %d calls", calls)
	}
}

func TestDeliverToParticipantsDispatchesAIReplyReentrantly(t *testing.T) {
	m, bcast := newTestManager(t, Config{})
	mustCreate(t, m, "c1")

	human := participant.NewHuman(chatmodel.Participant{ParticipantID: "alice"})
	if err := m.AddParticipant(context.Background(), "c1", human); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	reply := &chatmodel.Message{ConversationID: "c1", SenderID: "bot", SenderKind: chatmodel.SenderAI, Content: "hi"}
	ai := &stubAI{info: chatmodel.Participant{ParticipantID: "bot", Kind: chatmodel.SenderAI}, reply: reply}
	if err := m.AddParticipant(context.Background(), "c1", ai); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}

	_, err := m.ProcessMessage(context.Background(), chatmodel.Message{MessageID: "m1", ConversationID: "c1", SenderID: "alice", SenderKind: chatmodel.SenderHuman})
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	waitForCondition(t, func() bool {
		stored, _ := m.store.GetConversationMessages(context.Background(), "c1", 10, 0)
		return len(stored) == 2
	})

	stored, err := m.store.GetConversationMessages(context.Background(), "c1", 10, 0)
	if err != nil {
		t.Fatalf("GetConversationMessages: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected human message + re-entrant AI reply to both be stored, got %d", len(stored))
	}
	if bcast.count() < 2 {
		t.Fatalf("expected at least 2 broadcasts (original message + re-entrant reply), got %d", bcast.count())
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
