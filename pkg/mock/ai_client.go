package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
)

// AIClient is a scripted ai.Client serving a single model family.
type AIClient struct {
	Family string
	// Text answers GenerateText. A nil func fails every call.
	Text func(req ai.TextRequest) (string, error)
	// Image answers DescribeImage. A nil func fails every call.
	Image func(req ai.ImageRequest) (string, error)

	mu       sync.Mutex
	requests []ai.TextRequest
}

var _ ai.Client = (*AIClient)(nil)

// Name implements ai.Client.
func (c *AIClient) Name() string { return c.Family }

// GenerateText implements ai.Client.
func (c *AIClient) GenerateText(_ context.Context, req ai.TextRequest) (*ai.Result, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.Text == nil {
		return nil, fmt.Errorf("%s: text generation not scripted", c.Family)
	}
	text, err := c.Text(req)
	if err != nil {
		return nil, err
	}
	return &ai.Result{Text: text, Client: c.Family, Model: c.Family + "-test"}, nil
}

// DescribeImage implements ai.Client.
func (c *AIClient) DescribeImage(_ context.Context, req ai.ImageRequest) (*ai.Result, error) {
	if c.Image == nil {
		return nil, fmt.Errorf("%s: vision not scripted", c.Family)
	}
	text, err := c.Image(req)
	if err != nil {
		return nil, err
	}
	return &ai.Result{Text: text, Client: c.Family, Model: c.Family + "-vision-test"}, nil
}

// GetModelFamily implements ai.Client.
func (c *AIClient) GetModelFamily(family string) (ai.Client, error) {
	if family != c.Family {
		return nil, fmt.Errorf("model family %s not supported by %s client", family, c.Family)
	}
	return c, nil
}

// Close implements ai.Client.
func (c *AIClient) Close() error { return nil }

// Requests returns the text requests received so far.
func (c *AIClient) Requests() []ai.TextRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ai.TextRequest(nil), c.requests...)
}

// NewAIRegistry serves both model families from the given clients.
func NewAIRegistry(standard, highContext *AIClient) (*ai.Registry, error) {
	composite, err := ai.NewCompositeClient(map[string]ai.Client{
		ai.ModelFamilyOpenAI: standard,
		ai.ModelFamilyGemini: highContext,
	}, ai.DefaultModelFamily)
	if err != nil {
		return nil, err
	}
	return ai.NewStaticRegistry(composite), nil
}
