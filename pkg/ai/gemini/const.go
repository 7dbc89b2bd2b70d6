package gemini

// Constants for Gemini AI client
const (
	// Model family identifier
	ModelFamily = "gemini"

	// DefaultModel is the high-context model used for long records.
	DefaultModel = "gemini-2.5-pro"

	// DefaultVisionModel is used for page transcription.
	DefaultVisionModel = "gemini-2.5-flash"

	// MaxInlineSize is the largest image sent inline with a request.
	MaxInlineSize = 20 << 20
)
