package lifecycle

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"chatcore/internal/ai"
	"chatcore/internal/conversation"
	"chatcore/internal/identity"
	"chatcore/internal/middleware"
	"chatcore/internal/storage/memstore"
	"chatcore/internal/workers"
)

func newTestApp(t *testing.T) (*fiber.App, *Handler) {
	t.Helper()
	store := memstore.New()
	pool := workers.NewPoolManager(workers.PoolConfig{AIJobWorkers: 1, PersistenceWorkers: 1})
	t.Cleanup(pool.Shutdown)
	manager := conversation.New(conversation.Config{}, store, nil, pool, nil, nil)
	tokens := identity.NewIssuer([]byte("test-signing-key"))
	h := New(manager, store, tokens, nil, 5*time.Second, ai.ContextBuilder{HumanLimit: 5, AILimit: 1})

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler()})
	app.Post("/api/conversations", h.HandleCreate)
	app.Get("/api/conversations/:id", h.HandleGet)
	app.Post("/api/conversations/:id/join", h.HandleJoin)
	app.Delete("/api/conversations/:id/participants/:participantId", h.HandleLeave)
	app.Get("/api/conversations", h.HandleList)

	return app, h
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func TestHandleCreateReturnsConversationAndToken(t *testing.T) {
	app, _ := newTestApp(t)
	status, body := doJSON(t, app, "POST", "/api/conversations", map[string]string{
		"participant_id": "alice",
		"display_name":   "Alice",
	})

	if status != fiber.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", status, body)
	}
	if body["conversation_id"] == "" || body["conversation_id"] == nil {
		t.Fatalf("expected a conversation_id in response, got %+v", body)
	}
	if body["channel_token"] == "" || body["channel_token"] == nil {
		t.Fatalf("expected a channel_token in response, got %+v", body)
	}
}

func TestHandleCreateRejectsMissingParticipantID(t *testing.T) {
	app, _ := newTestApp(t)
	status, _ := doJSON(t, app, "POST", "/api/conversations", map[string]string{})

	if status != fiber.StatusBadRequest && status != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected a 4xx validation error, got %d", status)
	}
}

func TestHandleJoinRejectsAlreadyMember(t *testing.T) {
	app, _ := newTestApp(t)
	_, created := doJSON(t, app, "POST", "/api/conversations", map[string]string{"participant_id": "alice"})
	conversationID, _ := created["conversation_id"].(string)

	status, _ := doJSON(t, app, "POST", "/api/conversations/"+conversationID+"/join", map[string]string{"participant_id": "alice"})
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409 for rejoining as an existing member, got %d", status)
	}
}

func TestHandleJoinRejectsUnknownConversation(t *testing.T) {
	app, _ := newTestApp(t)
	status, _ := doJSON(t, app, "POST", "/api/conversations/does-not-exist/join", map[string]string{"participant_id": "bob"})
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404 joining a nonexistent conversation, got %d", status)
	}
}

func TestHandleGetReturnsConversationForMember(t *testing.T) {
	app, _ := newTestApp(t)
	_, created := doJSON(t, app, "POST", "/api/conversations", map[string]string{"participant_id": "alice"})
	conversationID, _ := created["conversation_id"].(string)

	status, body := doJSON(t, app, "GET", "/api/conversations/"+conversationID+"?participant_id=alice", nil)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 for a member's own conversation, got %d (%v)", status, body)
	}
	if _, ok := body["conversation"]; !ok {
		t.Fatalf("expected a conversation field in response, got %+v", body)
	}
	if _, ok := body["messages"]; !ok {
		t.Fatalf("expected a messages field in response, got %+v", body)
	}
}

func TestHandleGetReturns404ForNonMember(t *testing.T) {
	app, _ := newTestApp(t)
	_, created := doJSON(t, app, "POST", "/api/conversations", map[string]string{"participant_id": "alice"})
	conversationID, _ := created["conversation_id"].(string)

	status, _ := doJSON(t, app, "GET", "/api/conversations/"+conversationID+"?participant_id=eve", nil)
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for a non-member request (no existence disclosure), got %d", status)
	}
}

func TestHandleGetReturns404ForUnknownConversation(t *testing.T) {
	app, _ := newTestApp(t)
	status, _ := doJSON(t, app, "GET", "/api/conversations/does-not-exist?participant_id=alice", nil)
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404 for an unknown conversation, got %d", status)
	}
}

func TestHandleLeaveRejectsNonMember(t *testing.T) {
	app, _ := newTestApp(t)
	_, created := doJSON(t, app, "POST", "/api/conversations", map[string]string{"participant_id": "alice"})
	conversationID, _ := created["conversation_id"].(string)

	req := httptest.NewRequest("DELETE", "/api/conversations/"+conversationID+"/participants/ghost", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 NotMember, got %d", resp.StatusCode)
	}
}

func TestHandleListRequiresParticipantID(t *testing.T) {
	app, _ := newTestApp(t)
	req := httptest.NewRequest("GET", "/api/conversations", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusBadRequest && resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected validation error without participant_id, got %d", resp.StatusCode)
	}
}
