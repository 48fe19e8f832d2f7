// Package relay optionally fans broadcasts out across multiple process
// instances of the chat core over Redis pub/sub, so a deployment behind a
// load balancer can still deliver to a participant connected to a
// different instance than the one that produced the message.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "chatcore:broadcast:"

// Relay publishes and subscribes to cross-instance broadcast messages.
// A nil *Relay is valid and simply means single-instance mode: every
// publish/subscribe call is a no-op.
type Relay struct {
	client *redis.Client
}

// New wraps an existing Redis client. Pass nil to get a no-op relay.
func New(client *redis.Client) *Relay {
	return &Relay{client: client}
}

type envelope struct {
	ConversationID        string `json:"conversation_id"`
	ExcludeParticipantID  string `json:"exclude_participant_id"`
	Payload               []byte `json:"payload"`
}

// Publish broadcasts payload for conversationID to every other instance
// subscribed to this relay.
func (r *Relay) Publish(ctx context.Context, conversationID string, payload []byte, excludeParticipantID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	data, err := json.Marshal(envelope{
		ConversationID:       conversationID,
		ExcludeParticipantID: excludeParticipantID,
		Payload:              payload,
	})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelPrefix+conversationID, data).Err()
}

// Handler is invoked for every broadcast this instance receives from a peer.
type Handler func(conversationID string, payload []byte, excludeParticipantID string)

// Subscribe listens on the wildcard broadcast pattern and invokes handler
// for each message until ctx is canceled. Intended to run in its own
// goroutine for the lifetime of the process.
func (r *Relay) Subscribe(ctx context.Context, handler Handler) {
	if r == nil || r.client == nil {
		return
	}
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("relay: malformed broadcast envelope", "error", err)
				continue
			}
			handler(env.ConversationID, env.Payload, env.ExcludeParticipantID)
		}
	}
}
