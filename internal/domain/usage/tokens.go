package usage

import (
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	Count(text string) int
}

// CodecCounter counts with a tiktoken codec. Counts are estimates for non-OpenAI models.
type CodecCounter struct {
	codec tokenizer.Codec
}

// NewCodecCounter loads the cl100k_base codec.
func NewCodecCounter() (*CodecCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &CodecCounter{codec: codec}, nil
}

// Count returns the number of tokens in text, or a length-based estimate if encoding fails.
func (c *CodecCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Debug().Err(err).Str("component", "usage").Msg("token encode failed, using estimate")
		return EstimateTokens(text)
	}
	return len(ids)
}

// EstimateTokens approximates four bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateCounter is the TokenCounter used when no codec is available.
type EstimateCounter struct{}

// Count implements TokenCounter.
func (EstimateCounter) Count(text string) int { return EstimateTokens(text) }
