package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatcore/internal/providers"
)

// Config covers both OpenAI-style wire shapes: the classic chat-completions
// endpoint and the newer responses endpoint share one transport.
type Config struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Endpoint   string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) SendMessage(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return c.callOnce(ctx, endpointURL, body)
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload := map[string]any{
			"model": req.Model,
			"input": messages,
		}
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
		if req.Temperature > 0 {
			payload["temperature"] = req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal responses payload: %w", err)
		}
		return b, endpointURL, nil
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (providers.ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: %v", providers.ErrUpstream, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: read response body: %v", providers.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.ChatResponse{}, fmt.Errorf("%w: status %d", providers.ErrUpstream, resp.StatusCode)
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		return parseResponsesAPI(respBody)
	}
	return parseChatCompletions(respBody)
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if isResponsesEndpoint(c.cfg.Endpoint) {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

func parseChatCompletions(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: decode chat completion response: %v", providers.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("%w: empty choices in chat completion response", providers.ErrUpstream)
	}

	usage := providers.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if resp.Choices[0].Text != "" {
		return providers.ChatResponse{Content: resp.Choices[0].Text, Usage: usage}, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return providers.ChatResponse{Content: content, Usage: usage}, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("%w: missing message content in chat completion response", providers.ErrUpstream)
}

func parseResponsesAPI(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("%w: decode responses api response: %v", providers.ErrUpstream, err)
	}

	usage := providers.TokenUsage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if strings.TrimSpace(resp.OutputText) != "" {
		return providers.ChatResponse{Content: resp.OutputText, Usage: usage}, nil
	}
	if len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 && strings.TrimSpace(resp.Output[0].Content[0].Text) != "" {
		return providers.ChatResponse{Content: resp.Output[0].Content[0].Text, Usage: usage}, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("%w: missing output text in responses api response", providers.ErrUpstream)
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
