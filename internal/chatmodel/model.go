// Package chatmodel defines the wire-level data model shared by every
// component of the chat orchestration core: messages, participants,
// conversations and the enums that classify them.
package chatmodel

import "time"

// SenderKind classifies who produced a message or who a participant is.
type SenderKind string

const (
	SenderHuman  SenderKind = "human"
	SenderAI     SenderKind = "ai"
	SenderSystem SenderKind = "system"
)

// MessageKind distinguishes a regular chat turn from control/system traffic.
type MessageKind string

const (
	MessageUser   MessageKind = "user"
	MessageAI     MessageKind = "ai"
	MessageSystem MessageKind = "system"
)

// MessageStatus tracks an AI message through its generation lifecycle.
type MessageStatus string

const (
	StatusIdle      MessageStatus = "idle"
	StatusRunning   MessageStatus = "running"
	StatusStreaming MessageStatus = "streaming"
	StatusDone      MessageStatus = "done"
	StatusFailed    MessageStatus = "failed"
)

// ConversationMode is SINGLE for a one-human conversation and MULTI once a
// second human joins or the total participant count reaches three.
type ConversationMode string

const (
	ModeSingle ConversationMode = "single"
	ModeMulti  ConversationMode = "multi"
)

// Participant is a durable identity bound to a conversation: who they are,
// not what they can do (capability lives behind the participant package's
// Participant interface).
type Participant struct {
	ParticipantID string     `json:"participant_id"`
	DisplayName   string     `json:"display_name"`
	Kind          SenderKind `json:"kind"`
	JoinedAt      time.Time  `json:"joined_at"`
}

// Message is the durable unit of conversation history.
type Message struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SequenceID     uint64         `json:"sequence_id"`
	SenderID       string         `json:"sender_id"`
	SenderKind     SenderKind     `json:"sender_kind"`
	Kind           MessageKind    `json:"kind"`
	Content        string         `json:"content"`
	Status         MessageStatus  `json:"status,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conversation is the metadata record tracked alongside its message log.
type Conversation struct {
	ConversationID string            `json:"conversation_id"`
	Mode           ConversationMode  `json:"mode"`
	Participants   []Participant     `json:"participants"`
	MessageCount   uint64            `json:"message_count"`
	QueueDepth     int               `json:"queue_depth"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// InputTimeout returns the deadline a participant's turn is allotted,
// which widens once a conversation goes multi-party.
func (c *Conversation) InputTimeout(single, multi time.Duration) time.Duration {
	if c.Mode == ModeMulti {
		return multi
	}
	return single
}

// HumanCount reports how many participants are human senders.
func (c *Conversation) HumanCount() int {
	n := 0
	for _, p := range c.Participants {
		if p.Kind == SenderHuman {
			n++
		}
	}
	return n
}

// Failure records a delivery failure against one participant of a message.
type Failure struct {
	MessageID     string    `json:"message_id"`
	ParticipantID string    `json:"participant_id"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ComputeMode reports MULTI iff there are at least two human participants,
// or at least three participants overall.
func ComputeMode(participants []Participant) ConversationMode {
	humans := 0
	for _, p := range participants {
		if p.Kind == SenderHuman {
			humans++
		}
	}
	if humans >= 2 || len(participants) >= 3 {
		return ModeMulti
	}
	return ModeSingle
}
