// Package ledger turns token usage into wallet cost. Rates come from the
// provider config; a missing rate falls back to the system default, which is
// deliberately non-zero — an unconfigured model is not a free model. Only a
// config with both rates explicitly zero is free.
package ledger

import (
	"encoding/json"
	"math"

	"chatcore/internal/providers"
)

// Default cost per model token, in wallet token units. Applied whenever a
// provider config leaves a rate unset.
const (
	DefaultInputTokenCostRate  = 1.0
	DefaultOutputTokenCostRate = 1.0
)

// ModelConfig is the extended config blob stored on an ai_providers row.
// Pointer rates distinguish "unset" from an explicit zero.
type ModelConfig struct {
	InputTokenCostRate     *float64        `json:"input_token_cost_rate"`
	OutputTokenCostRate    *float64        `json:"output_token_cost_rate"`
	HardCapOutputTokens    int             `json:"hard_cap_output_tokens,omitempty"`
	ProviderMaxInputTokens int             `json:"provider_max_input_tokens,omitempty"`
	TokenizationStrategy   json.RawMessage `json:"tokenization_strategy,omitempty"`
}

func ParseModelConfig(raw string) (ModelConfig, error) {
	var cfg ModelConfig
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

func (c ModelConfig) EffectiveRates() (inputRate, outputRate float64) {
	inputRate = DefaultInputTokenCostRate
	outputRate = DefaultOutputTokenCostRate
	if c.InputTokenCostRate != nil {
		inputRate = *c.InputTokenCostRate
	}
	if c.OutputTokenCostRate != nil {
		outputRate = *c.OutputTokenCostRate
	}
	return inputRate, outputRate
}

// ZeroCost reports whether the model is explicitly configured as free.
func (c ModelConfig) ZeroCost() bool {
	return c.InputTokenCostRate != nil && *c.InputTokenCostRate == 0 &&
		c.OutputTokenCostRate != nil && *c.OutputTokenCostRate == 0
}

// ClampToHardCap truncates the billable completion count to the configured
// hard cap, whatever the provider claims to have generated. The clamped
// usage is what gets billed and persisted.
func ClampToHardCap(usage providers.TokenUsage, cfg ModelConfig) providers.TokenUsage {
	if cfg.HardCapOutputTokens > 0 && usage.CompletionTokens > cfg.HardCapOutputTokens {
		usage.CompletionTokens = cfg.HardCapOutputTokens
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// CalculateCost prices a turn in wallet tokens, rounding up so fractional
// rates never under-bill.
func CalculateCost(usage providers.TokenUsage, cfg ModelConfig) int64 {
	if cfg.ZeroCost() {
		return 0
	}
	inputRate, outputRate := cfg.EffectiveRates()
	cost := float64(usage.PromptTokens)*inputRate + float64(usage.CompletionTokens)*outputRate
	if cost <= 0 {
		return 0
	}
	return int64(math.Ceil(cost))
}

// MaxAffordableOutputTokens computes how many completion tokens a wallet can
// pay for once the prompt cost is covered, bounded by the smaller of the
// provider's hard cap and 20% of the current balance. A single turn is never
// allowed to drain the wallet.
func MaxAffordableOutputTokens(balance int64, promptTokens int, cfg ModelConfig) int {
	hardCap := math.MaxInt32
	if cfg.HardCapOutputTokens > 0 {
		hardCap = cfg.HardCapOutputTokens
	}
	if cfg.ZeroCost() {
		return hardCap
	}

	inputRate, outputRate := cfg.EffectiveRates()

	// The prompt must be affordable before any output is, whatever the
	// output rate. Only once it is covered does a free output side mean
	// the hard cap is the sole bound.
	budget := float64(balance) - float64(promptTokens)*inputRate
	if budget <= 0 {
		return 0
	}
	if outputRate <= 0 {
		return hardCap
	}
	maxSpendable := int(budget / outputRate)

	balanceShareCap := int(0.20 * float64(balance) / outputRate)
	dynamicCap := hardCap
	if balanceShareCap < dynamicCap {
		dynamicCap = balanceShareCap
	}
	if dynamicCap < 0 {
		dynamicCap = 0
	}

	if maxSpendable < dynamicCap {
		return maxSpendable
	}
	return dynamicCap
}
