package ai

import (
	"context"
	"errors"
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

// compositeClient wraps multiple clients and routes requests based on model family
type compositeClient struct {
	clients       map[string]Client
	defaultClient Client
}

// NewCompositeClient composes per-family clients. Plain calls go to the
// client of defaultModelFamily, or to the standard backend before the
// high-context one when that family isn't configured.
func NewCompositeClient(clients map[string]Client, defaultModelFamily string) (Client, error) {
	configured := make(map[string]Client, len(clients))
	for family, client := range clients {
		if client != nil {
			configured[family] = client
		}
	}
	if len(configured) == 0 {
		return nil, fmt.Errorf("at least one client must be provided")
	}

	c := &compositeClient{clients: configured}
	for _, family := range []string{defaultModelFamily, ModelFamilyOpenAI, ModelFamilyGemini} {
		if client, ok := configured[family]; ok {
			c.defaultClient = client
			return c, nil
		}
	}
	for _, client := range configured {
		c.defaultClient = client
		break
	}
	return c, nil
}

// Name returns "composite" to indicate this is a multi-client
func (c *compositeClient) Name() string {
	return "composite"
}

// GetModelFamily returns the client for a specific model family
func (c *compositeClient) GetModelFamily(modelFamily string) (Client, error) {
	client, ok := c.clients[modelFamily]
	if !ok {
		return nil, errorsx.AddMessage(
			fmt.Errorf("unsupported model family: %s", modelFamily),
			fmt.Sprintf("Model family %s is not configured. Please contact your administrator.", modelFamily),
		)
	}
	return client, nil
}

// GenerateText delegates to the default client
func (c *compositeClient) GenerateText(ctx context.Context, req TextRequest) (*Result, error) {
	return c.defaultClient.GenerateText(ctx, req)
}

// DescribeImage delegates to the default client
func (c *compositeClient) DescribeImage(ctx context.Context, req ImageRequest) (*Result, error) {
	return c.defaultClient.DescribeImage(ctx, req)
}

// Close releases the resources of every client.
func (c *compositeClient) Close() error {
	var errs []error
	for family, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s client: %w", family, err))
		}
	}
	return errors.Join(errs...)
}
