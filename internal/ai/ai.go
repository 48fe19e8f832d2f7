// Package ai implements the AI participant adapter and context builder,
// wrapping a factory-callable engine contract behind a Go interface and
// assembling bounded conversational context for each request.
package ai

import (
	"context"
	"time"

	"chatcore/internal/chatmodel"
	"chatcore/internal/participant"
)

// EngineParams is a normalized, typed request to an AI engine: every
// well-known key the engine contract names gets a field, with Extra
// retained for anything engine-specific that doesn't warrant a
// first-class field.
type EngineParams struct {
	Query          string
	PrevQueries    []participant.ContextEntry
	ParticipantID  string
	ConversationID string
	Streaming      bool
	Extra          map[string]any
}

// EngineHandle is the live handle returned by an engine factory call: a
// single in-flight generation.
type EngineHandle interface {
	// Run drives the generation to completion, invoking the chunk sink as
	// output becomes available and blocking until done or ctx is canceled.
	Run(ctx context.Context) error
	// Result returns the final message content once Run has returned nil.
	Result() string
}

// Engine is the factory contract: new(query_params, chunk_sink) -> handle.
type Engine interface {
	New(params EngineParams, sink participant.ChunkSink) EngineHandle
}

// ContextBuilder assembles the bounded context window handed to an AI
// participant: the last humanLimit human messages and last aiLimit AI
// messages, excluding the message currently being processed, with sender
// identity preserved.
type ContextBuilder struct {
	HumanLimit int
	AILimit    int
}

// Build filters messages down to the context window for current.
func (b ContextBuilder) Build(messages []chatmodel.Message, current chatmodel.Message) []participant.ContextEntry {
	var humans, ais []chatmodel.Message
	for _, m := range messages {
		if m.MessageID == current.MessageID {
			continue
		}
		switch m.SenderKind {
		case chatmodel.SenderHuman:
			humans = append(humans, m)
		case chatmodel.SenderAI:
			ais = append(ais, m)
		}
	}

	humans = lastN(humans, b.HumanLimit)
	ais = lastN(ais, b.AILimit)

	merged := append(append([]chatmodel.Message{}, humans...), ais...)
	// Restore chronological order across the merged human+AI subsets.
	sortByCreatedAt(merged)

	entries := make([]participant.ContextEntry, 0, len(merged))
	for _, m := range merged {
		entries = append(entries, participant.ContextEntry{
			ParticipantID: m.SenderID,
			Content:       m.Content,
			CreatedAt:     m.CreatedAt.Format(time.RFC3339),
		})
	}
	return entries
}

func lastN(msgs []chatmodel.Message, n int) []chatmodel.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func sortByCreatedAt(msgs []chatmodel.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j].CreatedAt.Before(msgs[j-1].CreatedAt); j-- {
			msgs[j], msgs[j-1] = msgs[j-1], msgs[j]
		}
	}
}

// Adapter wraps an Engine as a participant.Participant. It keeps no per-job
// state of its own: a failed run returns the engine's error, and a
// successful run returns a reply marked StatusDone.
type Adapter struct {
	info    chatmodel.Participant
	engine  Engine
	builder ContextBuilder
	timeout time.Duration
}

// NewAdapter builds an AI participant backed by engine.
func NewAdapter(info chatmodel.Participant, engine Engine, builder ContextBuilder, timeout time.Duration) *Adapter {
	info.Kind = chatmodel.SenderAI
	return &Adapter{info: info, engine: engine, builder: builder, timeout: timeout}
}

func (a *Adapter) Info() chatmodel.Participant { return a.info }

func (a *Adapter) Process(ctx context.Context, msg chatmodel.Message, history []participant.ContextEntry, sink participant.ChunkSink) (*chatmodel.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := EngineParams{
		Query:          msg.Content,
		PrevQueries:    history,
		ParticipantID:  msg.SenderID,
		ConversationID: msg.ConversationID,
		Streaming:      true,
	}
	handle := a.engine.New(params, sink)
	if err := handle.Run(ctx); err != nil {
		return nil, err
	}

	reply := chatmodel.Message{
		ConversationID: msg.ConversationID,
		SenderID:       a.info.ParticipantID,
		SenderKind:     chatmodel.SenderAI,
		Kind:           chatmodel.MessageAI,
		Content:        handle.Result(),
		Status:         chatmodel.StatusDone,
		CreatedAt:      time.Now(),
	}
	return &reply, nil
}
