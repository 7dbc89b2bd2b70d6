package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"

	errorsx "github.com/instill-ai/x/errors"
)

// Client implements the ai.Client interface for Gemini. It is the
// high-context backend for report synthesis and the cloud-vision OCR
// extraction method.
type Client struct {
	client      *genai.Client
	model       string
	visionModel string
}

// Config holds the Gemini client settings.
type Config struct {
	APIKey      string
	Model       string
	VisionModel string
}

// NewClient creates a new Gemini AI client
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI client configuration is missing. Please contact your administrator.")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("failed to create Gemini client: %w", err),
			"Unable to connect to AI service. Please try again later.",
		)
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}

	return &Client{
		client:      client,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
	}, nil
}

// Name returns the client name
func (c *Client) Name() string {
	return ai.ModelFamilyGemini
}

// GenerateText implements ai.Client.
func (c *Client) GenerateText(ctx context.Context, req ai.TextRequest) (*ai.Result, error) {
	contents := []*genai.Content{
		{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: req.Prompt}},
		},
	}

	config := generateContentConfig(req)
	return c.generate(ctx, c.model, contents, config)
}

// DescribeImage implements ai.Client.
func (c *Client) DescribeImage(ctx context.Context, req ai.ImageRequest) (*ai.Result, error) {
	if len(req.Image) == 0 {
		return nil, errorsx.AddMessage(errorsx.ErrInvalidArgument, "The page image is empty.")
	}
	if len(req.Image) > MaxInlineSize {
		return nil, errorsx.AddMessage(
			fmt.Errorf("image of %d bytes exceeds the inline limit: %w", len(req.Image), errorsx.ErrInvalidArgument),
			"The page image is too large.",
		)
	}

	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				{
					InlineData: &genai.Blob{
						MIMEType: req.MIMEType,
						Data:     req.Image,
					},
				},
				{Text: req.Prompt},
			},
		},
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0)),
	}
	return c.generate(ctx, c.visionModel, contents, config)
}

func (c *Client) generate(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*ai.Result, error) {
	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("gemini API call failed: %w", err),
			"AI service is temporarily unavailable. Please try again in a few moments.",
		)
	}

	text, err := textFromResponse(resp)
	if err != nil {
		return nil, err
	}

	return &ai.Result{
		Text:          text,
		Model:         model,
		Client:        ai.ModelFamilyGemini,
		UsageMetadata: resp.UsageMetadata,
	}, nil
}

// generateContentConfig maps a text request onto the generation settings.
func generateContentConfig(req ai.TextRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	return config
}

// GetModelFamily returns this client if the model family matches, otherwise error
// For single clients, this returns self only for matching model family
func (c *Client) GetModelFamily(modelFamily string) (ai.Client, error) {
	if modelFamily == ai.ModelFamilyGemini {
		return c, nil
	}
	return nil, fmt.Errorf("model family %s not supported by Gemini client", modelFamily)
}

// Close releases client resources
func (c *Client) Close() error {
	// The genai.Client doesn't need explicit closing in the current API
	return nil
}
