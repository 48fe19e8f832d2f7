// Package httpengine is a concrete ai.Engine over HTTP with server-sent
// events: a manual bufio SSE parse loop over a single net/http request,
// behind the generic engine factory contract.
package httpengine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"chatcore/internal/ai"
	"chatcore/internal/participant"
)

// Config configures the HTTP engine's endpoint and resiliency knobs.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// Engine calls an external AI service over HTTP, streaming its response as
// server-sent events.
type Engine struct {
	client *resty.Client
	cfg    Config
}

// New builds an Engine and a resty client configured to retry on 5xx with
// capped backoff. Run does not send through that client: each streaming
// request is made once over net/http and is not retried.
func New(cfg Config) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 3
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Engine{client: client, cfg: cfg}
}

type requestBody struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	ParticipantID  string `json:"participant_id"`
	Streaming      bool   `json:"streaming"`
	PrevQueries    []prevQuery `json:"prev_queries"`
}

type prevQuery struct {
	ParticipantID string `json:"participant_id"`
	Query         string `json:"query"`
	Timestamp     string `json:"timestamp"`
}

func (e *Engine) New(params ai.EngineParams, sink participant.ChunkSink) ai.EngineHandle {
	prev := make([]prevQuery, 0, len(params.PrevQueries))
	for _, p := range params.PrevQueries {
		prev = append(prev, prevQuery{ParticipantID: p.ParticipantID, Query: p.Content, Timestamp: p.CreatedAt})
	}
	return &handle{
		engine: e,
		body: requestBody{
			Query:          params.Query,
			ConversationID: params.ConversationID,
			ParticipantID:  params.ParticipantID,
			Streaming:      params.Streaming,
			PrevQueries:    prev,
		},
		sink: sink,
	}
}

type handle struct {
	engine *Engine
	body   requestBody
	sink   participant.ChunkSink

	mu     sync.Mutex
	result strings.Builder
}

func (h *handle) Result() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result.String()
}

// Run performs the SSE request, reading "data: " lines, parsing a final
// "[DONE]" sentinel, and feeding chunks through the sink as they arrive.
func (h *handle) Run(ctx context.Context) error {
	body, err := json.Marshal(h.body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.engine.cfg.BaseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: h.engine.cfg.Timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("ai engine returned status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}

		h.mu.Lock()
		h.result.WriteString(payload)
		h.mu.Unlock()

		if h.sink != nil {
			if err := h.sink.WriteChunk(ctx, payload); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

var _ ai.Engine = (*Engine)(nil)
