package openai

// Constants for OpenAI AI client
const (
	// Model family identifier
	ModelFamily = "openai"

	// DefaultModel is used for text generation when none is configured.
	DefaultModel = "gpt-4o"

	// DefaultVisionModel is used for page transcription when none is
	// configured.
	DefaultVisionModel = "gpt-4o"

	// DefaultMaxTokens bounds vision transcriptions.
	DefaultMaxTokens = 16000
)
