package openai

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"

	errorsx "github.com/instill-ai/x/errors"
)

// Client implements the ai.Client interface for OpenAI. It is the standard
// backend for report synthesis and the vision-LLM extraction method.
type Client struct {
	client      *openai.Client
	model       string
	visionModel string
}

// Config holds the OpenAI client settings.
type Config struct {
	APIKey      string
	Model       string
	VisionModel string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// NewClient creates a new OpenAI AI client
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		err := errorsx.ErrInvalidArgument
		return nil, errorsx.AddMessage(err, "AI client configuration is missing. Please contact your administrator.")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = DefaultVisionModel
	}

	return &Client{
		client:      &client,
		model:       cfg.Model,
		visionModel: cfg.VisionModel,
	}, nil
}

// Name returns the client name
func (c *Client) Name() string {
	return ai.ModelFamilyOpenAI
}

// GenerateText implements ai.Client.
func (c *Client) GenerateText(ctx context.Context, req ai.TextRequest) (*ai.Result, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(float64(*req.Temperature))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	return c.complete(ctx, c.model, params)
}

// DescribeImage implements ai.Client.
func (c *Client) DescribeImage(ctx context.Context, req ai.ImageRequest) (*ai.Result, error) {
	if len(req.Image) == 0 {
		return nil, errorsx.AddMessage(errorsx.ErrInvalidArgument, "The page image is empty.")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MIMEType, base64.StdEncoding.EncodeToString(req.Image))
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.visionModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(req.Prompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
			}),
		},
		MaxCompletionTokens: openai.Int(DefaultMaxTokens),
	}

	return c.complete(ctx, c.visionModel, params)
}

func (c *Client) complete(ctx context.Context, model string, params openai.ChatCompletionNewParams) (*ai.Result, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("openai API call failed: %w", err),
			"AI service is temporarily unavailable. Please try again in a few moments.",
		)
	}
	if len(resp.Choices) == 0 {
		return nil, errorsx.AddMessage(
			fmt.Errorf("no choices in response"),
			"AI service could not generate a response.",
		)
	}

	return &ai.Result{
		Text:          resp.Choices[0].Message.Content,
		Model:         model,
		Client:        ai.ModelFamilyOpenAI,
		UsageMetadata: resp.Usage,
	}, nil
}

// GetModelFamily returns this client if the model family matches, otherwise error
// For single clients, this returns self only for matching model family
func (c *Client) GetModelFamily(modelFamily string) (ai.Client, error) {
	if modelFamily == ai.ModelFamilyOpenAI {
		return c, nil
	}
	return nil, fmt.Errorf("model family %s not supported by OpenAI client", modelFamily)
}

// Close releases client resources
func (c *Client) Close() error {
	return nil
}
