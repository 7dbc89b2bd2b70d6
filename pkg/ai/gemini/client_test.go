package gemini

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"google.golang.org/genai"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"

	errorsx "github.com/instill-ai/x/errors"
)

func TestNewClient(t *testing.T) {
	c := qt.New(t)

	c.Run("empty API key returns error", func(c *qt.C) {
		client, err := NewClient(context.Background(), Config{})
		c.Assert(err, qt.Not(qt.IsNil))
		msg := errorsx.Message(err)
		c.Assert(msg, qt.Contains, "AI client configuration is missing")
		c.Assert(client, qt.IsNil)
	})
}

func TestClient_GetModelFamily(t *testing.T) {
	c := qt.New(t)

	var _ ai.Client = (*Client)(nil)
	client := &Client{}

	got, err := client.GetModelFamily(ai.ModelFamilyGemini)
	c.Assert(err, qt.IsNil)
	c.Check(got.Name(), qt.Equals, "gemini")

	_, err = client.GetModelFamily(ai.ModelFamilyOpenAI)
	c.Check(err, qt.ErrorMatches, "model family openai not supported by Gemini client")
}

func TestClient_DescribeImageValidation(t *testing.T) {
	c := qt.New(t)
	client := &Client{}

	_, err := client.DescribeImage(context.Background(), ai.ImageRequest{Prompt: "p", MIMEType: "image/png"})
	c.Check(errorsx.Message(err), qt.Equals, "The page image is empty.")
}

func TestGenerateContentConfig(t *testing.T) {
	c := qt.New(t)

	temp := float32(0.2)
	config := generateContentConfig(ai.TextRequest{
		SystemPrompt: "system",
		Prompt:       "prompt",
		JSON:         true,
		MaxTokens:    512,
		Temperature:  &temp,
	})
	c.Check(config.SystemInstruction.Parts[0].Text, qt.Equals, "system")
	c.Check(config.ResponseMIMEType, qt.Equals, "application/json")
	c.Check(config.MaxOutputTokens, qt.Equals, int32(512))
	c.Check(*config.Temperature, qt.Equals, float32(0.2))

	plain := generateContentConfig(ai.TextRequest{Prompt: "prompt"})
	c.Check(plain.SystemInstruction, qt.IsNil)
	c.Check(plain.ResponseMIMEType, qt.Equals, "")
	c.Check(plain.Temperature, qt.IsNil)
}

func TestTextFromResponse(t *testing.T) {
	c := qt.New(t)

	c.Run("ok - text parts are concatenated and thoughts skipped", func(c *qt.C) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "thinking", Thought: true},
					{Text: "Befund "},
					{Text: "unauffällig"},
				}},
			}},
		}
		got, err := textFromResponse(resp)
		c.Assert(err, qt.IsNil)
		c.Check(got, qt.Equals, "Befund unauffällig")
	})

	c.Run("nok - no candidates", func(c *qt.C) {
		_, err := textFromResponse(&genai.GenerateContentResponse{})
		c.Check(err, qt.ErrorMatches, "no candidates in response")
	})

	c.Run("nok - nil response", func(c *qt.C) {
		_, err := textFromResponse(nil)
		c.Check(err, qt.ErrorMatches, "response is nil")
	})
}
