package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// TokenEstimator approximates token usage for backends that do not report
// counts. Encodings are resolved per model and cached; models unknown to
// tiktoken fall back to cl100k_base, which is close enough for accounting.
type TokenEstimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTokenEstimator creates an estimator with an empty encoding cache.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under the model's encoding.
func (e *TokenEstimator) Count(model, text string) int {
	enc := e.encoding(model)
	if enc == nil {
		// Last resort: the usual ~4 characters per token.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Estimate builds a Usage from prompt and completion text.
func (e *TokenEstimator) Estimate(model, prompt, completion string) Usage {
	in := e.Count(model, prompt)
	out := e.Count(model, completion)
	return Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func (e *TokenEstimator) encoding(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil
		}
	}
	e.encodings[model] = enc
	return enc
}
