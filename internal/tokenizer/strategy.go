// Package tokenizer converts text into billable token counts under a named
// strategy. The strategy descriptor lives on the provider config row; an
// unknown or incomplete descriptor is a configuration error, never a silent
// fallback.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrBadStrategy = errors.New("invalid tokenization strategy")

const (
	strategyTiktoken       = "tiktoken"
	strategyRoughCharCount = "rough_char_count"
)

type Message struct {
	Role    string
	Content string
}

// Strategy counts tokens. Implementations are pure: no I/O at count time and
// the same input always yields the same count.
type Strategy interface {
	CountText(text string) int
	CountMessages(messages []Message) int
}

type descriptor struct {
	Type                         string  `json:"type"`
	TiktokenEncodingName         string  `json:"tiktoken_encoding_name"`
	APIIdentifierForTokenization string  `json:"api_identifier_for_tokenization"`
	IsChatMLModel                bool    `json:"is_chatml_model"`
	CharsPerTokenRatio           float64 `json:"chars_per_token_ratio"`
}

// Parse builds a Strategy from the raw descriptor stored on a provider config.
// A nil factory selects the tiktoken-backed encoder.
func Parse(raw json.RawMessage, factory EncoderFactory) (Strategy, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: tokenization strategy is missing", ErrBadStrategy)
	}
	var d descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadStrategy, err)
	}

	switch strings.TrimSpace(d.Type) {
	case strategyTiktoken:
		if d.APIIdentifierForTokenization == "" && d.TiktokenEncodingName == "" {
			return nil, fmt.Errorf("%w: tiktoken strategy needs a model identifier or encoding name", ErrBadStrategy)
		}
		if factory == nil {
			factory = NewTiktokenEncoder
		}
		enc, err := factory(d.APIIdentifierForTokenization, d.TiktokenEncodingName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadStrategy, err)
		}
		return &tiktokenStrategy{encoder: enc, chatML: d.IsChatMLModel}, nil

	case strategyRoughCharCount:
		if d.CharsPerTokenRatio <= 0 {
			return nil, fmt.Errorf("%w: chars_per_token_ratio must be > 0", ErrBadStrategy)
		}
		return &charRatioStrategy{ratio: d.CharsPerTokenRatio}, nil

	case "":
		return nil, fmt.Errorf("%w: strategy type is missing", ErrBadStrategy)
	default:
		return nil, fmt.Errorf("%w: unknown strategy type %q", ErrBadStrategy, d.Type)
	}
}

// charRatioStrategy estimates ceil(len/ratio) over the message contents.
type charRatioStrategy struct {
	ratio float64
}

func (s *charRatioStrategy) CountText(text string) int {
	if len(text) == 0 {
		return 0
	}
	n := float64(len(text)) / s.ratio
	count := int(n)
	if float64(count) < n {
		count++
	}
	return count
}

func (s *charRatioStrategy) CountMessages(messages []Message) int {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return s.CountText(strings.Join(parts, "\n"))
}

// ChatML framing overhead per OpenAI's token counting guidance: each message
// costs a fixed preamble and every reply is primed with three tokens.
const (
	chatMLTokensPerMessage = 3
	chatMLReplyPriming     = 3
)

type tiktokenStrategy struct {
	encoder Encoder
	chatML  bool
}

func (s *tiktokenStrategy) CountText(text string) int {
	return s.encoder.Count(text)
}

func (s *tiktokenStrategy) CountMessages(messages []Message) int {
	if !s.chatML {
		parts := make([]string, 0, len(messages))
		for _, m := range messages {
			parts = append(parts, m.Content)
		}
		return s.encoder.Count(strings.Join(parts, "\n"))
	}

	total := 0
	for _, m := range messages {
		total += chatMLTokensPerMessage
		if m.Role != "" {
			total += s.encoder.Count(m.Role)
		}
		if m.Content != "" {
			total += s.encoder.Count(m.Content)
		}
	}
	total += chatMLReplyPriming
	return total
}
