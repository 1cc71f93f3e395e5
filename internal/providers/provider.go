package providers

import (
	"context"
	"errors"
)

// ErrUpstream marks transport-level failures: HTTP errors, timeouts and
// malformed payloads from the external API. Callers map it to a 502-class
// response. Failures are surfaced, not retried; retry policy belongs to the
// caller so a turn can never be double-charged behind their back.
var ErrUpstream = errors.New("provider request failed")

type Message struct {
	Role    string
	Content string
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// ChatResponse carries the assistant content and the usage exactly as the
// provider reported it. Hard-cap truncation of the completion count is the
// ledger's job, never the adapter's.
type ChatResponse struct {
	Content string
	Usage   TokenUsage
}

type Provider interface {
	SendMessage(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
