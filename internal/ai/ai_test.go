package ai

import (
	"context"
	"testing"
	"time"

	"chatcore/internal/chatmodel"
	"chatcore/internal/participant"
)

func msg(id string, kind chatmodel.SenderKind, sender, content string, at time.Time) chatmodel.Message {
	return chatmodel.Message{
		MessageID:  id,
		SenderID:   sender,
		SenderKind: kind,
		Content:    content,
		CreatedAt:  at,
	}
}

func TestContextBuilderExcludesCurrentMessage(t *testing.T) {
	base := time.Now()
	current := msg("m3", chatmodel.SenderHuman, "alice", "current", base.Add(2*time.Second))
	history := []chatmodel.Message{
		msg("m1", chatmodel.SenderHuman, "alice", "first", base),
		current,
	}

	b := ContextBuilder{HumanLimit: 5, AILimit: 5}
	entries := b.Build(history, current)

	for _, e := range entries {
		if e.Content == "current" {
			t.Fatal("context must exclude the message currently being processed")
		}
	}
	if len(entries) != 1 || entries[0].Content != "first" {
		t.Fatalf("unexpected context: %+v", entries)
	}
}

func TestContextBuilderPreservesSenderIdentityAndChronologicalOrder(t *testing.T) {
	base := time.Now()
	history := []chatmodel.Message{
		msg("m1", chatmodel.SenderAI, "bot", "ai-reply", base.Add(1*time.Second)),
		msg("m2", chatmodel.SenderHuman, "alice", "human-msg", base),
	}
	current := msg("m3", chatmodel.SenderHuman, "alice", "current", base.Add(2*time.Second))

	b := ContextBuilder{HumanLimit: 5, AILimit: 5}
	entries := b.Build(history, current)

	if len(entries) != 2 {
		t.Fatalf("expected 2 context entries, got %d", len(entries))
	}
	if entries[0].ParticipantID != "alice" || entries[1].ParticipantID != "bot" {
		t.Fatalf("expected chronological order by created_at, got %+v", entries)
	}
}

func TestContextBuilderBoundsHumanAndAICounts(t *testing.T) {
	base := time.Now()
	var history []chatmodel.Message
	for i := 0; i < 10; i++ {
		history = append(history, msg("h"+string(rune('a'+i)), chatmodel.SenderHuman, "alice", "human", base.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 10; i++ {
		history = append(history, msg("a"+string(rune('a'+i)), chatmodel.SenderAI, "bot", "ai", base.Add(time.Duration(20+i)*time.Second)))
	}
	current := msg("current", chatmodel.SenderHuman, "alice", "current", base.Add(100*time.Second))

	b := ContextBuilder{HumanLimit: 2, AILimit: 1}
	entries := b.Build(history, current)

	if len(entries) != 3 {
		t.Fatalf("expected 2 human + 1 AI = 3 entries, got %d: %+v", len(entries), entries)
	}
}

type fakeHandle struct {
	result string
	err    error
}

func (h *fakeHandle) Run(ctx context.Context) error { return h.err }
func (h *fakeHandle) Result() string                { return h.result }

type fakeEngine struct {
	handle *fakeHandle
}

func (e *fakeEngine) New(params EngineParams, sink participant.ChunkSink) EngineHandle {
	return e.handle
}

func TestAdapterProcessReturnsReplyOnSuccess(t *testing.T) {
	engine := &fakeEngine{handle: &fakeHandle{result: "hello there"}}
	adapter := NewAdapter(chatmodel.Participant{ParticipantID: "bot"}, engine, ContextBuilder{HumanLimit: 5, AILimit: 1}, time.Second)

	reply, err := adapter.Process(context.Background(), chatmodel.Message{ConversationID: "c1", SenderID: "alice"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply == nil || reply.Content != "hello there" {
		t.Fatalf("expected a reply with engine result, got %+v", reply)
	}
	if reply.SenderKind != chatmodel.SenderAI || reply.Kind != chatmodel.MessageAI {
		t.Fatalf("expected AI-kind reply, got %+v", reply)
	}
}

func TestAdapterProcessPropagatesEngineError(t *testing.T) {
	engine := &fakeEngine{handle: &fakeHandle{err: context.DeadlineExceeded}}
	adapter := NewAdapter(chatmodel.Participant{ParticipantID: "bot"}, engine, ContextBuilder{}, time.Second)

	reply, err := adapter.Process(context.Background(), chatmodel.Message{ConversationID: "c1"}, nil, nil)
	if err == nil {
		t.Fatal("expected engine error to propagate")
	}
	if reply != nil {
		t.Fatal("expected no reply on engine failure")
	}
}

func TestNewAdapterForcesAISenderKind(t *testing.T) {
	adapter := NewAdapter(chatmodel.Participant{ParticipantID: "bot", Kind: chatmodel.SenderHuman}, &fakeEngine{handle: &fakeHandle{}}, ContextBuilder{}, time.Second)
	if adapter.Info().Kind != chatmodel.SenderAI {
		t.Fatalf("expected NewAdapter to force Kind=SenderAI, got %v", adapter.Info().Kind)
	}
}
