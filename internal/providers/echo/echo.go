// Package echo is an in-process provider with no network egress. It reflects
// the last user message back and reports deterministic token usage, which
// makes cost and ledger behavior testable end to end without an external API.
package echo

import (
	"context"
	"fmt"
	"strings"

	"chatcore/internal/providers"
)

type Config struct {
	// ReportCompletionTokens overrides the reported completion count when
	// positive. Useful for exercising hard-cap clamping.
	ReportCompletionTokens int
	// CharsPerToken drives the synthetic usage numbers. Defaults to 4.
	CharsPerToken int
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) SendMessage(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	var lastUser string
	promptChars := 0
	for _, m := range req.Messages {
		promptChars += len(m.Content)
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			lastUser = m.Content
		}
	}
	if lastUser == "" {
		return providers.ChatResponse{}, fmt.Errorf("no user message to echo")
	}

	content := "Echo: " + lastUser

	promptTokens := ceilDiv(promptChars, c.cfg.CharsPerToken)
	completionTokens := ceilDiv(len(content), c.cfg.CharsPerToken)
	if c.cfg.ReportCompletionTokens > 0 {
		completionTokens = c.cfg.ReportCompletionTokens
	}

	return providers.ChatResponse{
		Content: content,
		Usage: providers.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
