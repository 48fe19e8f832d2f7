package httpengine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatcore/internal/ai"
)

func TestRunSendsRequestBodyAndParsesSSEChunks(t *testing.T) {
	var received requestBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"hello", " world"} {
			w.Write([]byte("data: " + chunk + "\n"))
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	engine := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	h := engine.New(ai.EngineParams{Query: "hi there", ConversationID: "c1", ParticipantID: "alice"}, nil)

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.Result(); got != "hello world" {
		t.Fatalf("expected concatenated chunks %q, got %q", "hello world", got)
	}
	if received.Query != "hi there" || received.ConversationID != "c1" {
		t.Fatalf("expected request body to carry query params, got %+v", received)
	}
}

func TestRunReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryCount: 1})
	h := engine.New(ai.EngineParams{Query: "hi"}, nil)

	if err := h.Run(context.Background()); err == nil {
		t.Fatal("expected an error for a 5xx response")
	}
}

type recordingSink struct {
	chunks []string
}

func (s *recordingSink) WriteChunk(ctx context.Context, chunk string) error {
	s.chunks = append(s.chunks, chunk)
	return nil
}

func TestRunFeedsChunksToSink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: chunk-1\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	engine := New(Config{BaseURL: srv.URL, Timeout: 5 * time.Second})
	sink := &recordingSink{}
	h := engine.New(ai.EngineParams{Query: "hi"}, sink)

	if err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.chunks) != 1 || sink.chunks[0] != "chunk-1" {
		t.Fatalf("expected sink to receive the streamed chunk, got %+v", sink.chunks)
	}
}
