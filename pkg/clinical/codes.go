package clinical

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

const codesSystemPrompt = "You are a medical coding specialist. You extract diagnosis and procedure codes from German medical records. Your result is a valid JSON object."

const codesPrompt = `List every ICD-10, ICD-11 and OPS code that is stated in or can be assigned from the following medical record. Use the code_type values "ICD10", "ICD11" or "OPS". Include a short German description when the record states one, otherwise use null.
Answer as {"codes": [{"code": "I10", "code_type": "ICD10", "description": "Essentielle Hypertonie"}]}.

Record:
%s`

const lookupPrompt = `Give the official German description of the %s code %s.
Answer as {"description": "..."} and use null if the code does not exist.`

// Code is a typed medical code.
type Code struct {
	Code        string         `json:"code"`
	CodeType    types.CodeType `json:"code_type"`
	Description string         `json:"description,omitempty"`
}

type codesResponse struct {
	Codes []struct {
		Code        string  `json:"code"`
		CodeType    string  `json:"code_type"`
		Description *string `json:"description"`
	} `json:"codes"`
}

// CodeExtractor finds medical codes in a record and looks up their
// descriptions.
type CodeExtractor struct {
	registry  *ai.Registry
	threshold int
	logger    *zap.Logger
}

// NewCodeExtractor returns an extractor choosing its backend by the
// record's token count.
func NewCodeExtractor(registry *ai.Registry, tokenThreshold int, logger *zap.Logger) *CodeExtractor {
	return &CodeExtractor{registry: registry, threshold: tokenThreshold, logger: logger}
}

// Extract asks the model for the codes of text and parses its answer.
func (e *CodeExtractor) Extract(ctx context.Context, text string, tokenCount int) ([]Code, error) {
	client, err := e.registry.ForTokenCount(ctx, tokenCount, e.threshold)
	if err != nil {
		return nil, err
	}

	out, err := client.GenerateText(ctx, ai.TextRequest{
		SystemPrompt: codesSystemPrompt,
		Prompt:       fmt.Sprintf(codesPrompt, text),
		JSON:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting codes: %w", err)
	}

	return ParseCodes(out.Text, e.logger)
}

// Lookup returns the description of a code, empty if the terminology
// doesn't know it.
func (e *CodeExtractor) Lookup(ctx context.Context, code string, codeType types.CodeType) (string, error) {
	client, err := e.registry.Client(ctx)
	if err != nil {
		return "", err
	}

	temp := float32(0)
	out, err := client.GenerateText(ctx, ai.TextRequest{
		Prompt:      fmt.Sprintf(lookupPrompt, codeType, code),
		JSON:        true,
		MaxTokens:   200,
		Temperature: &temp,
	})
	if err != nil {
		return "", fmt.Errorf("looking up %s %s: %w", codeType, code, err)
	}

	var res struct {
		Description *string `json:"description"`
	}
	if err := ai.DecodeJSON(out.Text, &res); err != nil {
		return "", err
	}
	if res.Description == nil {
		return "", nil
	}
	return strings.TrimSpace(*res.Description), nil
}

var codeTypeAliases = map[string]types.CodeType{
	"ICD10":  types.CodeTypeICD10,
	"ICD-10": types.CodeTypeICD10,
	"ICD11":  types.CodeTypeICD11,
	"ICD-11": types.CodeTypeICD11,
	"OPS":    types.CodeTypeOPS,
}

var codeSyntax = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{1,15}$`)

// ParseCodes decodes the model's answer into typed codes. Entries with an
// unknown type or malformed code are dropped; duplicates keep the first
// occurrence.
func ParseCodes(raw string, logger *zap.Logger) ([]Code, error) {
	var res codesResponse
	if err := ai.DecodeJSON(raw, &res); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	codes := make([]Code, 0, len(res.Codes))
	for _, c := range res.Codes {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		codeType, ok := codeTypeAliases[strings.ToUpper(strings.TrimSpace(c.CodeType))]
		if !ok || !codeSyntax.MatchString(code) {
			if logger != nil {
				logger.Debug("Dropping malformed code", zap.String("code", c.Code), zap.String("codeType", c.CodeType))
			}
			continue
		}

		key := string(codeType) + "/" + code
		if seen[key] {
			continue
		}
		seen[key] = true

		parsed := Code{Code: code, CodeType: codeType}
		if c.Description != nil {
			parsed.Description = strings.TrimSpace(*c.Description)
		}
		codes = append(codes, parsed)
	}
	return codes, nil
}
