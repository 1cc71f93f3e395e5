// Package registry builds provider adapters from the family tag persisted on
// the provider config row. The tag set is closed: adding a family means
// extending the switch, not reflection.
package registry

import (
	"fmt"
	"net/http"

	"chatcore/internal/providers"
	"chatcore/internal/providers/anthropic_messages"
	"chatcore/internal/providers/echo"
	"chatcore/internal/providers/openai_compat"
)

type BuildOptions struct {
	Kind       string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Config     map[string]any
	HTTPClient *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch opts.Kind {
	case "openai", "openai_compat", "openai-compatible":
		endpoint := "chat_completions"
		if v, ok := opts.Config["endpoint"].(string); ok && v != "" {
			endpoint = v
		}
		return openai_compat.New(openai_compat.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			Endpoint:   endpoint,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "anthropic", "anthropic_messages":
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "echo", "dummy":
		cfg := echo.Config{}
		if v, ok := opts.Config["report_completion_tokens"].(float64); ok {
			cfg.ReportCompletionTokens = int(v)
		}
		if v, ok := opts.Config["chars_per_token"].(float64); ok {
			cfg.CharsPerToken = int(v)
		}
		return echo.New(cfg), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
