// Package llm is the chat-completion transport used by both
// classification tiers: an HTTP client per provider route, a failover
// invoker with retry and budget gating on top, and payload-safety
// helpers for untrusted article text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Role values for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat requests structured output. Type "json_schema" is
// preferred; the invoker downgrades to "json_object" for providers
// that reject schemas.
type ResponseFormat struct {
	Type       string          `json:"type"`
	SchemaName string          `json:"-"`
	Schema     json.RawMessage `json:"-"`
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Messages       []Message
	MaxTokens      int
	Temperature    float64
	ResponseFormat *ResponseFormat
}

// Usage is the normalized token accounting of one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// ChatResponse is a normalized completion.
type ChatResponse struct {
	Content string
	Usage   Usage
	Model   string
}

// ChatClient executes one chat completion against a single provider.
type ChatClient interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Model() string
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: status %d: %s", e.Code, e.Body)
}

// HTTPClient speaks the OpenAI-compatible chat-completions protocol.
// Responses in either the chat-completions or the responses-API shape
// are normalized to ChatResponse.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewHTTPClient creates a chat client for one provider route.
func NewHTTPClient(baseURL, apiKey, model string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Model returns the model this client requests.
func (c *HTTPClient) Model() string { return c.model }

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	// Responses-API shape.
	OutputText string `json:"output_text"`
	Output     []struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends one completion request.
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	body, err := json.Marshal(wireRequest{
		Model:          c.model,
		Messages:       req.Messages,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: encodeResponseFormat(req.ResponseFormat),
	})
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return ChatResponse{}, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return ChatResponse{}, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if wire.Error != nil {
		return ChatResponse{}, fmt.Errorf("llm: provider error: %s: %s", wire.Error.Type, wire.Error.Message)
	}

	content := extractContent(wire)
	if content == "" {
		return ChatResponse{}, fmt.Errorf("llm: empty completion")
	}

	usage := Usage{
		PromptTokens:     wire.Usage.PromptTokens,
		CompletionTokens: wire.Usage.CompletionTokens,
	}
	// Responses-API usage field names.
	if usage.PromptTokens == 0 && wire.Usage.InputTokens > 0 {
		usage.PromptTokens = wire.Usage.InputTokens
	}
	if usage.CompletionTokens == 0 && wire.Usage.OutputTokens > 0 {
		usage.CompletionTokens = wire.Usage.OutputTokens
	}

	respModel := wire.Model
	if respModel == "" {
		respModel = c.model
	}
	return ChatResponse{Content: content, Usage: usage, Model: respModel}, nil
}

func extractContent(wire wireResponse) string {
	if len(wire.Choices) > 0 {
		return wire.Choices[0].Message.Content
	}
	if wire.OutputText != "" {
		return wire.OutputText
	}
	var b strings.Builder
	for _, out := range wire.Output {
		for _, c := range out.Content {
			if c.Type == "" || c.Type == "output_text" || c.Type == "text" {
				b.WriteString(c.Text)
			}
		}
	}
	return b.String()
}

func encodeResponseFormat(rf *ResponseFormat) map[string]any {
	if rf == nil {
		return nil
	}
	switch rf.Type {
	case "json_schema":
		return map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   rf.SchemaName,
				"strict": true,
				"schema": rf.Schema,
			},
		}
	case "json_object":
		return map[string]any{"type": "json_object"}
	default:
		return map[string]any{"type": rf.Type}
	}
}
