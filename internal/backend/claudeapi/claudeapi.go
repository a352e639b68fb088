// Package claudeapi implements backend.Executor against Anthropic's
// Messages API directly over net/http. No example repo in the retrieval
// pack vendors an Anthropic client SDK, so this talks the streaming
// Messages API (SSE) with the standard library rather than import a
// dependency with no grounding in the corpus; see DESIGN.md.
//
// Model-name mapping and the stream/result shape are adapted from
// original_source/smithers_py/executors/claude.py's ClaudeExecutor, minus
// the PydanticAI agent-framework layer that has no Go equivalent in the
// example pack.
package claudeapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/smithers-ai/smithers/internal/backend"
	"github.com/smithers-ai/smithers/internal/node"
)

const defaultBaseURL = "https://api.anthropic.com/v1/messages"
const apiVersion = "2023-06-01"

// modelAliases mirrors ClaudeExecutor.MODEL_MAPPING's short names.
var modelAliases = map[string]string{
	"sonnet": "claude-3-5-sonnet-20241022",
	"opus":   "claude-3-opus-20240229",
	"haiku":  "claude-3-5-haiku-20241022",
}

// Executor calls the Anthropic Messages API with streaming enabled.
type Executor struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	MaxTokens  int
}

// New builds an Executor reading its API key from apiKey (typically sourced
// from ANTHROPIC_API_KEY by the caller).
func New(apiKey string) *Executor {
	return &Executor{
		APIKey:     apiKey,
		BaseURL:    defaultBaseURL,
		HTTPClient: &http.Client{Timeout: 0}, // streaming responses have no fixed deadline
		MaxTokens:  4096,
	}
}

var _ backend.Executor = (*Executor)(nil)

func mapModel(name string) string {
	if mapped, ok := modelAliases[name]; ok {
		return mapped
	}
	return name
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// sseEvent is the subset of Anthropic's streaming event shapes this
// executor interprets: content_block_delta text becomes a "text_delta"
// progress chunk, message_start and message_delta supply token usage, and
// an "error" event fails the run. Other event types are dropped.
type sseEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Execute opens a streaming Messages API request and translates
// server-sent events into the backend.StreamItem contract: zero or more
// progress chunks, then exactly one terminal result.
func (e *Executor) Execute(ctx context.Context, req backend.Request) (<-chan backend.StreamItem, error) {
	body := messagesRequest{
		Model:     mapModel(req.Model),
		MaxTokens: e.maxTokens(),
		Stream:    true,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", e.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("accept", "text/event-stream")

	resp, err := e.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("claude messages api: status %d", resp.StatusCode)
	}

	out := make(chan backend.StreamItem, 16)
	go e.stream(resp, req, out)
	return out, nil
}

func (e *Executor) stream(resp *http.Response, req backend.Request, out chan<- backend.StreamItem) {
	defer resp.Body.Close()
	defer close(out)

	var textBuf strings.Builder
	var usage node.Usage
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				textBuf.WriteString(ev.Delta.Text)
				out <- backend.StreamItem{Progress: &node.ProgressChunk{Kind: "text_delta", Payload: ev.Delta.Text}}
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "error":
			msg := "claude stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			out <- backend.StreamItem{Result: &node.Result{
				Status: "failed", Model: req.Model, Error: msg,
			}}
			return
		}
	}

	result := node.Result{
		Status:     "completed",
		Model:      req.Model,
		OutputText: textBuf.String(),
		Usage:      usage,
	}
	if err := scanner.Err(); err != nil {
		result.Status = "failed"
		result.Error = err.Error()
	}
	out <- backend.StreamItem{Result: &result}
}

func (e *Executor) baseURL() string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	return defaultBaseURL
}

func (e *Executor) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return http.DefaultClient
}

func (e *Executor) maxTokens() int {
	if e.MaxTokens > 0 {
		return e.MaxTokens
	}
	return 4096
}
