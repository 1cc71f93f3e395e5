// Package chat runs the single-turn pipeline: resolve the provider and
// prompt, assemble the active thread, count prompt tokens, call the model,
// price the usage and persist the message pair together with the wallet
// debit. Every failure maps to one RequestError kind.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/ledger"
	"chatcore/internal/metrics"
	"chatcore/internal/providers"
	"chatcore/internal/providers/registry"
	"chatcore/internal/storage"
	"chatcore/internal/tokenizer"
)

const defaultProviderTimeout = 60 * time.Second

var defaultBaseURLs = map[string]string{
	"openai":    "https://api.openai.com/v1",
	"anthropic": "https://api.anthropic.com",
}

// AdapterFactory builds a provider adapter from the persisted family tag and
// config. Tests swap it for a factory returning an in-process adapter.
type AdapterFactory func(opts registry.BuildOptions) (providers.Provider, error)

type Config struct {
	Store           *storage.Store
	Factory         AdapterFactory
	EncoderFactory  tokenizer.EncoderFactory
	APIKeys         map[string]string
	HTTPClient      *http.Client
	ProviderTimeout time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

type Service struct {
	store           *storage.Store
	factory         AdapterFactory
	encoderFactory  tokenizer.EncoderFactory
	apiKeys         map[string]string
	httpClient      *http.Client
	providerTimeout time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

func New(cfg Config) *Service {
	if cfg.Factory == nil {
		cfg.Factory = registry.Build
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Service{
		store:           cfg.Store,
		factory:         cfg.Factory,
		encoderFactory:  cfg.EncoderFactory,
		apiKeys:         cfg.APIKeys,
		httpClient:      cfg.HTTPClient,
		providerTimeout: cfg.ProviderTimeout,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
	}
}

// HandleTurn validates the request and runs either the normal or the rewind
// pipeline for an authenticated user.
func (s *Service) HandleTurn(ctx context.Context, userID string, req Request) (Response, *RequestError) {
	if rerr := req.Validate(); rerr != nil {
		return Response{}, rerr
	}

	tc, rerr := s.prepareContext(ctx, userID, req)
	if rerr != nil {
		return Response{}, rerr
	}

	if req.RewindFromMessageID != "" {
		return s.handleRewind(ctx, userID, req, tc)
	}
	return s.handleNormal(ctx, userID, req, tc)
}

// turnContext is everything resolved up front that both pipelines share.
type turnContext struct {
	provider    storage.AIProvider
	modelConfig ledger.ModelConfig
	strategy    tokenizer.Strategy
	adapter     providers.Provider
	promptID    *string
	promptText  string
	wallet      storage.TokenWallet
}

func (s *Service) prepareContext(ctx context.Context, userID string, req Request) (turnContext, *RequestError) {
	var tc turnContext

	prov, err := s.store.GetProviderByID(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return tc, newRequestError(KindProviderNotFound, http.StatusNotFound, "AI provider not found.", err)
		}
		return tc, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to resolve AI provider.", err)
	}
	if !prov.IsActive {
		return tc, newRequestError(KindProviderInactive, http.StatusBadRequest, "AI provider is not active.", nil)
	}
	tc.provider = prov

	modelCfg, err := ledger.ParseModelConfig(prov.ConfigJSON)
	if err != nil {
		return tc, newRequestError(KindProviderConfig, http.StatusBadRequest, "AI provider configuration error on server.", err)
	}
	tc.modelConfig = modelCfg

	strategy, err := tokenizer.Parse(modelCfg.TokenizationStrategy, s.encoderFactory)
	if err != nil {
		return tc, newRequestError(KindProviderConfig, http.StatusBadRequest, "AI provider configuration error on server.", err)
	}
	tc.strategy = strategy

	if req.PromptID != PromptIDNone {
		prompt, err := s.store.GetSystemPromptByID(ctx, req.PromptID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return tc, newRequestError(KindPromptNotFound, http.StatusBadRequest, "System prompt not found or inactive.", err)
			}
			return tc, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to resolve system prompt.", err)
		}
		if !prompt.IsActive {
			return tc, newRequestError(KindPromptNotFound, http.StatusBadRequest, "System prompt not found or inactive.", nil)
		}
		tc.promptID = &prompt.ID
		tc.promptText = prompt.PromptText
	}

	adapter, rerr := s.buildAdapter(prov)
	if rerr != nil {
		return tc, rerr
	}
	tc.adapter = adapter

	wallet, err := s.store.GetOrCreateWallet(ctx, userID, req.OrganizationID)
	if err != nil {
		return tc, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to resolve token wallet.", err)
	}
	tc.wallet = wallet

	return tc, nil
}

func (s *Service) buildAdapter(prov storage.AIProvider) (providers.Provider, *RequestError) {
	var raw map[string]any
	if prov.ConfigJSON != "" {
		if err := json.Unmarshal([]byte(prov.ConfigJSON), &raw); err != nil {
			return nil, newRequestError(KindProviderConfig, http.StatusBadRequest, "AI provider configuration error on server.", err)
		}
	}

	baseURL := defaultBaseURLs[prov.Provider]
	if v, ok := raw["base_url"].(string); ok && v != "" {
		baseURL = v
	}

	adapter, err := s.factory(registry.BuildOptions{
		Kind:       prov.Provider,
		BaseURL:    baseURL,
		APIKey:     s.apiKeys[prov.Provider],
		Config:     raw,
		HTTPClient: s.httpClient,
	})
	if err != nil {
		return nil, newRequestError(KindProviderConfig, http.StatusBadRequest, "Unsupported AI provider.", err)
	}
	return adapter, nil
}

// buildContext assembles the provider message window: optional system prompt,
// then the history, then the incoming user message. Messages with empty
// content are dropped; several providers reject them outright.
func buildContext(promptText string, history []providers.Message, userMessage string) []providers.Message {
	out := make([]providers.Message, 0, len(history)+2)
	if promptText != "" {
		out = append(out, providers.Message{Role: storage.RoleSystem, Content: promptText})
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		out = append(out, m)
	}
	out = append(out, providers.Message{Role: storage.RoleUser, Content: userMessage})
	return out
}

func historyFromStored(msgs []storage.ChatMessage) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func historyFromSelected(msgs []SelectedMessage) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func toTokenizerMessages(msgs []providers.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, tokenizer.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// checkBudget counts the prompt, enforces the provider input ceiling and the
// wallet's spending power, and returns the prompt token count plus the cap to
// hand the adapter as max_tokens.
func (s *Service) checkBudget(tc turnContext, window []providers.Message, requested int) (promptTokens, maxTokens int, rerr *RequestError) {
	promptTokens = tc.strategy.CountMessages(toTokenizerMessages(window))

	if limit := tc.modelConfig.ProviderMaxInputTokens; limit > 0 && promptTokens > limit {
		return 0, 0, newRequestError(
			KindInputTooLong,
			http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Chat history exceeds the model's input limit (%d tokens, max %d). Start a new chat or rewind.", promptTokens, limit),
			nil,
		)
	}

	maxTokens = ledger.MaxAffordableOutputTokens(tc.wallet.Balance, promptTokens, tc.modelConfig)
	if !tc.modelConfig.ZeroCost() && maxTokens < 1 {
		s.metrics.InsufficientFunds.Inc()
		return 0, 0, newRequestError(
			KindInsufficientFunds,
			http.StatusPaymentRequired,
			"Insufficient token balance for this request. Please add funds to your wallet.",
			nil,
		)
	}
	if requested > 0 && requested < maxTokens {
		maxTokens = requested
	}
	return promptTokens, maxTokens, nil
}

// callProvider invokes the adapter under the configured timeout. Transport
// failures surface as 502; the turn is never silently retried.
func (s *Service) callProvider(ctx context.Context, tc turnContext, window []providers.Message, maxTokens int) (providers.ChatResponse, *RequestError) {
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	resp, err := tc.adapter.SendMessage(callCtx, providers.ChatRequest{
		Model:     tc.provider.APIIdentifier,
		Messages:  window,
		MaxTokens: maxTokens,
	})
	if err != nil {
		s.metrics.ProviderErrors.Inc()
		s.logger.Error().Err(err).
			Str("provider_id", tc.provider.ID).
			Str("provider", tc.provider.Provider).
			Msg("provider call failed")
		return providers.ChatResponse{}, newRequestError(KindProviderAPI, http.StatusBadGateway, "AI provider request failed.", err)
	}
	return resp, nil
}

// priceUsage clamps the reported completion count to the hard cap and prices
// the turn. The clamped usage is what gets billed and persisted.
func (s *Service) priceUsage(tc turnContext, usage providers.TokenUsage) (providers.TokenUsage, int64, *string, *RequestError) {
	clamped := ledger.ClampToHardCap(usage, tc.modelConfig)
	cost := ledger.CalculateCost(clamped, tc.modelConfig)

	encoded, err := json.Marshal(clamped)
	if err != nil {
		return providers.TokenUsage{}, 0, nil, newRequestError(KindInternal, http.StatusInternalServerError, "Failed to record token usage.", err)
	}
	usageJSON := string(encoded)
	return clamped, cost, &usageJSON, nil
}

func (s *Service) debitFor(tc turnContext, cost int64, chatID string) *storage.DebitParams {
	if cost <= 0 {
		return nil
	}
	return &storage.DebitParams{
		WalletID:        tc.wallet.WalletID,
		Amount:          cost,
		RelatedEntityID: chatID,
		Notes:           fmt.Sprintf("chat turn via %s", tc.provider.Name),
	}
}
