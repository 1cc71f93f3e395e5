package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Encoder counts tokens in a string under one fixed subword vocabulary.
type Encoder interface {
	Count(text string) int
}

// EncoderFactory resolves an Encoder from a model identifier or an explicit
// encoding name. Injectable so tests and alternative vocabularies can swap
// the implementation per model.
type EncoderFactory func(modelName, encodingName string) (Encoder, error)

type tiktokenEncoder struct {
	tk *tiktoken.Tiktoken
}

func (e *tiktokenEncoder) Count(text string) int {
	return len(e.tk.Encode(text, nil, nil))
}

// NewTiktokenEncoder is the default EncoderFactory. The model identifier wins
// over the encoding name when both are present.
func NewTiktokenEncoder(modelName, encodingName string) (Encoder, error) {
	if modelName != "" {
		tk, err := tiktoken.EncodingForModel(modelName)
		if err != nil {
			return nil, fmt.Errorf("resolve encoding for model %q: %w", modelName, err)
		}
		return &tiktokenEncoder{tk: tk}, nil
	}
	tk, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("resolve encoding %q: %w", encodingName, err)
	}
	return &tiktokenEncoder{tk: tk}, nil
}
