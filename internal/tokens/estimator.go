// Package tokens estimates token usage for turns whose stream carried no
// usage report.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/convaichat/pkg/datastream"
)

// DefaultEncoding is used when the configured name is neither a known model
// nor a known encoding.
const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a tiktoken encoding.
type Estimator struct {
	tokenizer *tiktoken.Tiktoken
}

// New creates an estimator. name may be a model name (e.g. "gpt-4o") or an
// encoding name (e.g. "o200k_base"); anything else falls back to
// cl100k_base.
func New(name string) (*Estimator, error) {
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		enc, err = tiktoken.GetEncoding(name)
	}
	if err != nil {
		// Fallback to cl100k_base for unknown names
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Estimator{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.tokenizer.Encode(text, nil, nil))
}

// Estimate returns usage for a prompt and its completion.
func (e *Estimator) Estimate(prompt, completion string) datastream.Usage {
	return datastream.Usage{
		PromptTokens:     e.Count(prompt),
		CompletionTokens: e.Count(completion),
	}
}
