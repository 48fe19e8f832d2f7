// Package participant defines the capability abstraction conversations
// dispatch messages through: humans are ingress-only, AI participants
// compute a reply.
package participant

import (
	"context"

	"chatcore/internal/chatmodel"
)

// ContextEntry is one prior turn handed to a participant as conversational
// context: the sender's identity is preserved, never collapsed to a
// generic "user" label.
type ContextEntry struct {
	ParticipantID string
	Content       string
	CreatedAt     string // RFC3339, matching the wire format
}

// ChunkSink receives incremental output from a streaming participant, e.g.
// an AI engine emitting partial tokens before its final reply.
type ChunkSink interface {
	WriteChunk(ctx context.Context, chunk string) error
}

// Participant is the capability every conversation member exposes. Humans
// implement it as a no-op: they never compute a reply, only originate
// messages through the ingress path.
type Participant interface {
	Info() chatmodel.Participant
	// Process handles an incoming message and optionally returns a reply
	// to be re-ingested as a new message. Returning (nil, nil) means "no
	// reply" — the normal outcome for a human participant.
	Process(ctx context.Context, msg chatmodel.Message, history []ContextEntry, sink ChunkSink) (*chatmodel.Message, error)
}

// Human is a participant with no compute: Process always returns nil.
type Human struct {
	info chatmodel.Participant
}

// NewHuman wraps a participant identity as a Human.
func NewHuman(info chatmodel.Participant) *Human {
	info.Kind = chatmodel.SenderHuman
	return &Human{info: info}
}

func (h *Human) Info() chatmodel.Participant { return h.info }

func (h *Human) Process(ctx context.Context, msg chatmodel.Message, history []ContextEntry, sink ChunkSink) (*chatmodel.Message, error) {
	return nil, nil
}
