// Package openrouter provides the HTTP client for an OpenRouter-compatible
// model-marketplace gateway: server-sent-event streaming, a non-streaming
// fallback, retry logic, and per-model circuit breakers.
package openrouter

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Message represents a single message in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the request body for chat completions.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is the non-streaming response from chat completions.
type ChatResponse struct {
	ID      string     `json:"id"`
	Model   string     `json:"model"`
	Choices []Choice   `json:"choices"`
	Usage   TokenUsage `json:"usage"`
}

// Choice represents one completion choice from the model.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// TokenUsage tracks token consumption for a single call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TextDelta is one incremental piece of streamed text. Index increases
// strictly within a call, starting at 0.
type TextDelta struct {
	Index int
	Text  string
}

// Completion is the full result of one successful call.
type Completion struct {
	Model        string
	Text         string
	FinishReason string
	Usage        TokenUsage
	Streamed     bool
}

// NaturalStop reports whether the model ended on its own rather than
// running into a length limit.
func (c *Completion) NaturalStop() bool {
	switch c.FinishReason {
	case "stop", "end_turn", "eos", "stop_sequence":
		return true
	default:
		return false
	}
}

// streamChunk is one SSE data frame.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage,omitempty"`
	Error *struct {
		Message string          `json:"message"`
		Code    json.RawMessage `json:"code"`
	} `json:"error,omitempty"`
}

// Model is one entry of the gateway's model list.
type Model struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ContextLength int          `json:"context_length"`
	Pricing       ModelPricing `json:"pricing"`
}

// ModelPricing holds per-token USD prices as the gateway reports them
// (decimal strings).
type ModelPricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// PerThousand converts the per-token prices to USD per 1K tokens.
func (p ModelPricing) PerThousand() (input, output float64, err error) {
	in, err := parsePrice(p.Prompt)
	if err != nil {
		return 0, 0, fmt.Errorf("prompt price: %w", err)
	}
	out, err := parsePrice(p.Completion)
	if err != nil {
		return 0, 0, fmt.Errorf("completion price: %w", err)
	}
	return in * 1000, out * 1000, nil
}

func parsePrice(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

type modelList struct {
	Data []Model `json:"data"`
}
