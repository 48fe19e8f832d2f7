package lifecycle

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatcore/internal/apperr"
	"chatcore/internal/chatmodel"
	"chatcore/internal/connection"
	"chatcore/internal/conversation"
	"chatcore/internal/identity"
	"chatcore/internal/validation"
)

// WebSocketServer upgrades and serves the conversation wire protocol. It
// runs as a plain net/http server alongside the fiber/fasthttp REST
// surface, since gorilla/websocket speaks net/http, not fasthttp.
type WebSocketServer struct {
	manager    *conversation.Manager
	conns      *connection.Manager
	tokens     *identity.Issuer
	upgrader   websocket.Upgrader
}

// NewWebSocketServer builds the upgrade handler.
func NewWebSocketServer(manager *conversation.Manager, conns *connection.Manager, tokens *identity.Issuer) *WebSocketServer {
	return &WebSocketServer{
		manager: manager,
		conns:   conns,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// inboundFrame is the wire shape of a client-originated message.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ServeHTTP handles GET /ws?token=... upgrade requests.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	conversationID, participantID, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid or expired channel token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.conns.AddConnection(r.Context(), conversationID, participantID, conn)
	defer s.conns.RemoveConnection(conversationID, participantID)

	if connected, err := json.Marshal(map[string]any{
		"type":            "connected",
		"conversation_id": conversationID,
		"participant_id":  participantID,
		"mode":            s.manager.Mode(conversationID),
		"input_timeout":   s.manager.InputTimeout(conversationID).Milliseconds(),
	}); err == nil {
		s.conns.SendTo(conversationID, participantID, connected)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		if frame.Type == "ping" {
			if pong, err := json.Marshal(map[string]string{"type": "pong"}); err == nil {
				s.conns.SendTo(conversationID, participantID, pong)
			}
			continue
		}
		if frame.Type != "message" {
			continue
		}
		if err := validation.ValidateMessageContent(frame.Content); err != nil {
			if appErr, ok := apperr.IsAppError(err); ok {
				if rejection, marshalErr := json.Marshal(map[string]string{
					"type":    "error",
					"code":    string(appErr.Code),
					"message": appErr.Message,
				}); marshalErr == nil {
					s.conns.SendTo(conversationID, participantID, rejection)
				}
			}
			continue
		}

		msg := chatmodel.Message{
			MessageID:      conversation.NewMessageID(),
			ConversationID: conversationID,
			SenderID:       participantID,
			SenderKind:     chatmodel.SenderHuman,
			Kind:           chatmodel.MessageUser,
			Content:        frame.Content,
			CreatedAt:      time.Now(),
		}
		processed, err := s.manager.ProcessMessage(r.Context(), msg)
		if err != nil {
			if appErr, ok := apperr.IsAppError(err); ok {
				slog.Warn("process_message rejected", "code", appErr.Code, "conversation_id", conversationID)
				if rejection, marshalErr := json.Marshal(map[string]string{
					"type":    "error",
					"code":    string(appErr.Code),
					"message": appErr.Message,
				}); marshalErr == nil {
					s.conns.SendTo(conversationID, participantID, rejection)
				}
			}
			continue
		}

		if ack, err := json.Marshal(map[string]any{
			"type":        "message_ack",
			"message_id":  processed.MessageID,
			"sequence_id": processed.SequenceID,
		}); err == nil {
			s.conns.SendTo(conversationID, participantID, ack)
		}
	}
}
