// Package ai defines the capability interface of the language model
// backends used for vision extraction, era inference, code lookup and report
// synthesis.
package ai

import (
	"context"
)

// Model families. The standard backend serves regular records, the
// high-context backend serves records above the configured token threshold.
const (
	// OpenAI model family, the standard backend.
	ModelFamilyOpenAI = "openai"

	// Gemini model family, the high-context backend.
	ModelFamilyGemini = "gemini"

	// DefaultModelFamily is used when no routing decision applies.
	DefaultModelFamily = ModelFamilyOpenAI
)

// TextRequest is a text-only generation request.
type TextRequest struct {
	SystemPrompt string
	Prompt       string
	// JSON asks the backend for a single JSON object as output.
	JSON bool
	// MaxTokens bounds the output. Zero leaves the backend default.
	MaxTokens int
	// Temperature is optional. Nil leaves the backend default.
	Temperature *float32
}

// ImageRequest asks a vision model about a single image.
type ImageRequest struct {
	Prompt   string
	Image    []byte
	MIMEType string
}

// Result is the output of a generation call.
type Result struct {
	Text   string
	Model  string
	Client string
	// UsageMetadata contains token usage information from the AI client
	// The actual type depends on the client
	UsageMetadata any
}

// Client defines the interface of the AI vendor API clients. The composite
// client routes requests to a specific implementation by model family.
type Client interface {
	// Name returns the client name (e.g., "gemini", "openai", "composite")
	Name() string

	// GenerateText runs a text completion.
	GenerateText(ctx context.Context, req TextRequest) (*Result, error)

	// DescribeImage runs a vision completion over one image, typically a
	// rasterized page.
	DescribeImage(ctx context.Context, req ImageRequest) (*Result, error)

	// GetModelFamily returns the appropriate client for a specific model family
	// This is used by composite clients to route requests to the correct implementation
	// For single-client implementations, this returns self
	GetModelFamily(modelFamily string) (Client, error)

	// Close releases client resources
	Close() error
}
