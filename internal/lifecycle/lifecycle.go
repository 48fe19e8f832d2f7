// Package lifecycle implements the REST lifecycle surface: create/join/
// get/leave/list, with pagination parsing, delegating membership changes
// to the conversation.Manager and reads to the storage.Store.
package lifecycle

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"chatcore/internal/ai"
	"chatcore/internal/apperr"
	"chatcore/internal/chatmodel"
	"chatcore/internal/conversation"
	"chatcore/internal/identity"
	"chatcore/internal/participant"
	"chatcore/internal/storage"
	"chatcore/internal/validation"
)

// Handler serves the lifecycle REST surface.
type Handler struct {
	manager   *conversation.Manager
	store     storage.Store
	tokens    *identity.Issuer
	aiEngine  ai.Engine
	aiTimeout time.Duration
	aiBuilder ai.ContextBuilder
}

// New builds a lifecycle Handler. aiEngine may be nil if no AI engine is
// configured, in which case join/create requests for an AI participant
// are rejected.
func New(manager *conversation.Manager, store storage.Store, tokens *identity.Issuer, aiEngine ai.Engine, aiTimeout time.Duration, aiBuilder ai.ContextBuilder) *Handler {
	return &Handler{manager: manager, store: store, tokens: tokens, aiEngine: aiEngine, aiTimeout: aiTimeout, aiBuilder: aiBuilder}
}

// buildParticipant constructs the participant.Participant for a join/create
// request, dispatching on the requested participant kind.
func (h *Handler) buildParticipant(kind, participantID, displayName string) (participant.Participant, error) {
	info := chatmodel.Participant{
		ParticipantID: participantID,
		DisplayName:   displayName,
		JoinedAt:      time.Now(),
	}
	switch strings.ToUpper(kind) {
	case "", "HUMAN":
		return participant.NewHuman(info), nil
	case "AI":
		if h.aiEngine == nil {
			return nil, apperr.New(apperr.ValidationFailed, "no AI engine is configured for this deployment")
		}
		return ai.NewAdapter(info, h.aiEngine, h.aiBuilder, h.aiTimeout), nil
	default:
		return nil, apperr.New(apperr.ValidationFailed, "unknown participant kind: "+kind)
	}
}

type createRequest struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Kind          string `json:"kind"`
}

type createResponse struct {
	ConversationID string `json:"conversation_id"`
	ChannelToken   string `json:"channel_token"`
}

// HandleCreate creates a conversation and adds the requesting participant
// as its first member (human unless the request's kind is AI), returning a
// signed channel-subscription token.
func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ParticipantID) == "" {
		return apperr.New(apperr.ValidationFailed, "participant_id is required")
	}

	conversationID := uuid.NewString()
	if err := h.manager.CreateConversation(c.Context(), conversationID); err != nil {
		return err
	}

	p, err := h.buildParticipant(req.Kind, req.ParticipantID, req.DisplayName)
	if err != nil {
		return err
	}
	if err := h.manager.AddParticipant(c.Context(), conversationID, p); err != nil {
		return err
	}

	token, err := h.tokens.Issue(conversationID, req.ParticipantID, time.Now().Add(24*time.Hour))
	if err != nil {
		return apperr.Wrap(err, apperr.InternalServer)
	}

	return c.Status(fiber.StatusCreated).JSON(createResponse{ConversationID: conversationID, ChannelToken: token})
}

type joinRequest struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Kind          string `json:"kind"`
}

// HandleJoin adds a new participant (human unless the request's kind is AI)
// to an existing conversation.
func (h *Handler) HandleJoin(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if err := validation.ValidateConversationID(conversationID); err != nil {
		return err
	}

	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.New(apperr.BadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ParticipantID) == "" {
		return apperr.New(apperr.ValidationFailed, "participant_id is required")
	}

	if _, err := h.store.GetConversation(c.Context(), conversationID); err != nil {
		return err
	}

	p, err := h.buildParticipant(req.Kind, req.ParticipantID, req.DisplayName)
	if err != nil {
		return err
	}
	if err := h.manager.AddParticipant(c.Context(), conversationID, p); err != nil {
		return err
	}

	token, err := h.tokens.Issue(conversationID, req.ParticipantID, time.Now().Add(24*time.Hour))
	if err != nil {
		return apperr.Wrap(err, apperr.InternalServer)
	}

	return c.JSON(createResponse{ConversationID: conversationID, ChannelToken: token})
}

// conversationMessageLimit bounds how much history HandleGet returns inline.
const conversationMessageLimit = 100

// HandleGet returns a conversation's full record plus its most recent
// messages to one of its current members. A nonexistent conversation and a
// request from a non-member both render 404, so existence is never
// disclosed to an outsider.
func (h *Handler) HandleGet(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if err := validation.ValidateConversationID(conversationID); err != nil {
		return err
	}
	participantID := c.Query("participant_id")
	if strings.TrimSpace(participantID) == "" {
		return apperr.New(apperr.ValidationFailed, "participant_id query parameter is required")
	}

	conv, err := h.store.GetConversation(c.Context(), conversationID)
	if err != nil {
		return err
	}

	isMember, err := h.store.IsParticipant(c.Context(), conversationID, participantID)
	if err != nil {
		return err
	}
	if !isMember {
		return apperr.New(apperr.UnknownConversation, "conversation not found")
	}

	messages, err := h.store.GetConversationMessages(c.Context(), conversationID, conversationMessageLimit, 0)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"conversation": conv,
		"messages":     messages,
	})
}

// HandleLeave removes a participant from a conversation.
func (h *Handler) HandleLeave(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	participantID := c.Params("participantId")

	if err := h.manager.RemoveParticipant(c.Context(), conversationID, participantID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": "left conversation"})
}

// HandleList returns the conversations a participant belongs to.
func (h *Handler) HandleList(c *fiber.Ctx) error {
	participantID := c.Query("participant_id")
	if participantID == "" {
		return apperr.New(apperr.ValidationFailed, "participant_id query parameter is required")
	}

	limit, offset, err := parsePagination(c)
	if err != nil {
		return err
	}

	conversations, err := h.store.GetUserConversations(c.Context(), participantID, limit, offset)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"conversations": conversations,
		"pagination": fiber.Map{
			"limit":  limit,
			"offset": offset,
		},
	})
}

func parsePagination(c *fiber.Ctx) (limit, offset int, err error) {
	limit, err = strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset, err = strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset, nil
}

// HandleHealth reports liveness plus optional dependency stats.
func HandleHealth(extra func() fiber.Map) fiber.Handler {
	return func(c *fiber.Ctx) error {
		body := fiber.Map{
			"status":    "ok",
			"timestamp": time.Now(),
		}
		if extra != nil {
			for k, v := range extra() {
				body[k] = v
			}
		}
		return c.JSON(body)
	}
}
