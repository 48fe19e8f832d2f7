// Package connection implements the Connection Manager: a per-conversation
// participant-to-channel registry with buffered, drop-on-overflow outbound
// queues, a subscriber send-loop, non-blocking broadcast, a heartbeat
// ticker, and cancellation-on-close.
package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize  = 64
	writeDeadline   = 5 * time.Second
	heartbeatPeriod = 30 * time.Second
)

// Channel is one live outbound connection for a single participant.
type Channel struct {
	participantID  string
	conversationID string
	conn           *websocket.Conn
	send           chan []byte
	ctx            context.Context
	cancel         context.CancelFunc
}

func newChannel(parent context.Context, conversationID, participantID string, conn *websocket.Conn) *Channel {
	ctx, cancel := context.WithCancel(parent)
	return &Channel{
		participantID:  participantID,
		conversationID: conversationID,
		conn:           conn,
		send:           make(chan []byte, sendBufferSize),
		ctx:            ctx,
		cancel:         cancel,
	}
}

func (c *Channel) sendLoop(onClose func()) {
	defer onClose()
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("channel write failed", "participant_id", c.participantID, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// enqueue offers data to the channel's send buffer, dropping it (recorded
// as a DeliveryFailure by the caller) rather than blocking if the buffer
// is full.
func (c *Channel) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Channel) close() {
	c.cancel()
	close(c.send)
	c.conn.Close()
}

// ParticipantInfo is the roster record a Directory hands back, the shape
// the Connection Manager needs to build participant_list/participant_joined/
// participant_left frames without depending on the conversation package.
type ParticipantInfo struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Kind          string `json:"kind"`
}

// Directory resolves a conversation's current membership roster.
// conversation.Manager satisfies this via its Participants method.
type Directory interface {
	Participants(conversationID string) []ParticipantInfo
}

// Manager tracks live channels keyed by conversation then participant.
type Manager struct {
	mu            sync.RWMutex
	conversations map[string]map[string]*Channel
	onDrop        func(conversationID, participantID string)
	dir           Directory
}

// New builds an empty Manager. onDrop, if non-nil, is invoked whenever a
// send is dropped due to a full channel buffer (a DeliveryFailure).
func New(onDrop func(conversationID, participantID string)) *Manager {
	return &Manager{
		conversations: make(map[string]map[string]*Channel),
		onDrop:        onDrop,
	}
}

// SetDirectory wires the roster lookup used to build participant_list/
// participant_joined/participant_left frames. Optional: those frames are
// skipped if never set.
func (m *Manager) SetDirectory(dir Directory) {
	m.mu.Lock()
	m.dir = dir
	m.mu.Unlock()
}

// AddConnection registers conn for participantID in conversationID,
// evicting any prior connection for the same participant (connection cap
// of one per participant). The new channel receives a participant_list
// snapshot and every other live channel is told participant_joined.
func (m *Manager) AddConnection(ctx context.Context, conversationID, participantID string, conn *websocket.Conn) *Channel {
	ch := newChannel(ctx, conversationID, participantID, conn)

	m.mu.Lock()
	participants, ok := m.conversations[conversationID]
	if !ok {
		participants = make(map[string]*Channel)
		m.conversations[conversationID] = participants
	}
	prior, hadPrior := participants[participantID]
	participants[participantID] = ch
	online := make(map[string]struct{}, len(participants))
	for id := range participants {
		online[id] = struct{}{}
	}
	m.mu.Unlock()

	if hadPrior {
		prior.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "superseded by new connection"),
			time.Now().Add(writeDeadline))
		prior.close()
	}

	go ch.sendLoop(func() {
		m.RemoveConnection(conversationID, participantID)
	})

	m.sendParticipantList(conversationID, participantID, online)
	m.broadcastParticipantEvent(conversationID, "participant_joined", participantID)
	return ch
}

// RemoveConnection tears down and forgets participantID's channel, if any,
// and broadcasts participant_left to the remaining channels.
func (m *Manager) RemoveConnection(conversationID, participantID string) {
	m.mu.Lock()
	participants, ok := m.conversations[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	ch, ok := participants[participantID]
	if ok {
		delete(participants, participantID)
	}
	if len(participants) == 0 {
		delete(m.conversations, conversationID)
	}
	m.mu.Unlock()

	if ok {
		ch.close()
		m.broadcastParticipantEvent(conversationID, "participant_left", participantID)
	}
}

type participantSnapshot struct {
	ParticipantInfo
	IsOnline bool `json:"is_online"`
}

// sendParticipantList delivers the full conversation roster, annotated with
// live-connection status, to one participant's channel.
func (m *Manager) sendParticipantList(conversationID, toParticipantID string, online map[string]struct{}) {
	m.mu.RLock()
	dir := m.dir
	m.mu.RUnlock()
	if dir == nil {
		return
	}

	roster := dir.Participants(conversationID)
	snapshots := make([]participantSnapshot, 0, len(roster))
	for _, p := range roster {
		_, isOnline := online[p.ParticipantID]
		snapshots = append(snapshots, participantSnapshot{ParticipantInfo: p, IsOnline: isOnline})
	}
	payload, err := json.Marshal(map[string]any{
		"type":         "participant_list",
		"participants": snapshots,
	})
	if err != nil {
		return
	}
	m.SendTo(conversationID, toParticipantID, payload)
}

// broadcastParticipantEvent emits a participant_joined/participant_left
// frame to every channel in conversationID except participantID itself.
func (m *Manager) broadcastParticipantEvent(conversationID, eventType, participantID string) {
	m.mu.RLock()
	dir := m.dir
	count := len(m.conversations[conversationID])
	m.mu.RUnlock()
	if dir == nil {
		return
	}

	record := ParticipantInfo{ParticipantID: participantID}
	for _, p := range dir.Participants(conversationID) {
		if p.ParticipantID == participantID {
			record = p
			break
		}
	}

	payload, err := json.Marshal(map[string]any{
		"type":              eventType,
		"conversation_id":   conversationID,
		"participant":       record,
		"participant_count": count,
		"timestamp":         time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	m.BroadcastToConversation(conversationID, payload, participantID)
}

// SendTo delivers payload to one participant, returning false if the
// participant has no live channel or its buffer is full.
func (m *Manager) SendTo(conversationID, participantID string, payload []byte) bool {
	m.mu.RLock()
	participants := m.conversations[conversationID]
	var ch *Channel
	if participants != nil {
		ch = participants[participantID]
	}
	m.mu.RUnlock()

	if ch == nil {
		return false
	}
	if !ch.enqueue(payload) {
		if m.onDrop != nil {
			m.onDrop(conversationID, participantID)
		}
		return false
	}
	return true
}

// BroadcastToConversation delivers payload to every live channel in
// conversationID except excludeParticipantID (pass "" to exclude none),
// matching the hub's non-blocking broadcast.
func (m *Manager) BroadcastToConversation(conversationID string, payload []byte, excludeParticipantID string) {
	m.mu.RLock()
	participants := m.conversations[conversationID]
	targets := make([]*Channel, 0, len(participants))
	for id, ch := range participants {
		if id == excludeParticipantID {
			continue
		}
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		if !ch.enqueue(payload) {
			if m.onDrop != nil {
				m.onDrop(conversationID, ch.participantID)
			}
		}
	}
}

// ConnectionCount reports how many live channels a conversation has.
func (m *Manager) ConnectionCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations[conversationID])
}

// Close sends a normal-closure frame to and tears down every live channel,
// used during graceful shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	all := m.conversations
	m.conversations = make(map[string]map[string]*Channel)
	m.mu.Unlock()

	for _, participants := range all {
		for _, ch := range participants {
			ch.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"),
				time.Now().Add(writeDeadline))
			ch.close()
		}
	}
}
