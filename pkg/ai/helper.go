package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokenCount estimates the token count for a single text string
// Note: This is an approximation using GPT-4 tokenizer (actual AI client may count differently)
func EstimateTokenCount(text string) int {
	encodingOnce.Do(func() {
		tkm, err := tiktoken.EncodingForModel("gpt-4")
		if err == nil {
			encoding = tkm
		}
	})
	if encoding == nil {
		// If we can't get the tokenizer, use a rough estimate: ~4 chars per token
		return len(text) / 4
	}

	return len(encoding.Encode(text, nil, nil))
}

// SelectModelFamily picks the backend for a record: above the threshold the
// high-context backend, otherwise the standard one.
func SelectModelFamily(tokenCount, threshold int) string {
	if tokenCount > threshold {
		return ModelFamilyGemini
	}
	return ModelFamilyOpenAI
}
