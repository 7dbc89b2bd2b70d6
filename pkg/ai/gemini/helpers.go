package gemini

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	errorsx "github.com/instill-ai/x/errors"
)

// textFromResponse concatenates the text parts of the first candidate.
func textFromResponse(response *genai.GenerateContentResponse) (string, error) {
	if response == nil {
		err := fmt.Errorf("response is nil")
		return "", errorsx.AddMessage(err, "AI service returned an invalid response. Please try again.")
	}

	if len(response.Candidates) == 0 {
		err := fmt.Errorf("no candidates in response")
		return "", errorsx.AddMessage(err, "AI service could not generate a response.")
	}

	candidate := response.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		err := fmt.Errorf("no content in candidate")
		return "", errorsx.AddMessage(err, "AI service returned an empty response. Please try again.")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	return text.String(), nil
}
