// Package clinical derives structured metadata from a record's text: the
// treatment era, the patient's name and the medical billing codes.
package clinical

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// DefaultFallbackYears is the width of the fallback date range.
const DefaultFallbackYears = 20

// minYear bounds the years accepted from the model.
const minYear = 1900

const eraSystemPrompt = "You are a helpful AI assistant specialized in the extraction of unstructured patient medical data. Your result is a valid JSON object."

const eraPrompt = `Find across the whole medical history and all files the earliest year (start_year) and the latest year (end_year) of treatments, as well as the patient's name (patient_name) in this input. It can be that start_year equals end_year because the medical history is just one year long. If you can't find a specific piece of information, use null for that field.
Example response: {"start_year": 2004, "end_year": 2022, "patient_name": "John Doe"}

Input:
%s`

// Era is the outcome of the era and identity inference.
type Era struct {
	Range       types.DateRange
	PatientName string
	// Fallback is set when the range is the fallback window.
	Fallback bool
}

// EraInferrer asks a language model for the treatment years and the
// patient's name.
type EraInferrer struct {
	registry      *ai.Registry
	threshold     int
	fallbackYears int
	now           func() time.Time
	logger        *zap.Logger
}

// NewEraInferrer returns an inferrer choosing its backend by the record's
// token count.
func NewEraInferrer(registry *ai.Registry, tokenThreshold, fallbackYears int, logger *zap.Logger) *EraInferrer {
	if fallbackYears < 1 {
		fallbackYears = DefaultFallbackYears
	}
	return &EraInferrer{
		registry:      registry,
		threshold:     tokenThreshold,
		fallbackYears: fallbackYears,
		now:           time.Now,
		logger:        logger,
	}
}

// eraResponse accepts years as numbers or strings.
type eraResponse struct {
	StartYear   json.RawMessage `json:"start_year"`
	EndYear     json.RawMessage `json:"end_year"`
	PatientName *string         `json:"patient_name"`
}

// Infer never leaves the range undefined: any backend failure, missing or
// implausible year yields the fallback window ending at the current year.
// Only the cancellation of ctx is returned as an error.
func (e *EraInferrer) Infer(ctx context.Context, text string, tokenCount int) (*Era, error) {
	res, err := e.call(ctx, text, tokenCount)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("Era inference failed, using fallback range", zap.Error(err))
		return e.fallback(""), nil
	}

	name := ""
	if res.PatientName != nil {
		name = strings.TrimSpace(*res.PatientName)
	}

	current := e.now().Year()
	start, okStart := parseYear(res.StartYear)
	end, okEnd := parseYear(res.EndYear)
	if !okStart || !okEnd || start < minYear || end > current || start > end {
		e.logger.Warn("Era inference returned no usable range, using fallback range",
			zap.ByteString("startYear", res.StartYear),
			zap.ByteString("endYear", res.EndYear))
		return e.fallback(name), nil
	}

	return &Era{Range: types.YearRange(start, end), PatientName: name}, nil
}

func (e *EraInferrer) call(ctx context.Context, text string, tokenCount int) (*eraResponse, error) {
	client, err := e.registry.ForTokenCount(ctx, tokenCount, e.threshold)
	if err != nil {
		return nil, err
	}

	temp := float32(0.1)
	out, err := client.GenerateText(ctx, ai.TextRequest{
		SystemPrompt: eraSystemPrompt,
		Prompt:       fmt.Sprintf(eraPrompt, text),
		JSON:         true,
		MaxTokens:    500,
		Temperature:  &temp,
	})
	if err != nil {
		return nil, err
	}

	var res eraResponse
	if err := ai.DecodeJSON(out.Text, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FallbackRange is the window of n calendar years ending with the year of
// now.
func FallbackRange(now time.Time, n int) types.DateRange {
	return types.YearRange(now.Year()-n+1, now.Year())
}

func (e *EraInferrer) fallback(name string) *Era {
	return &Era{
		Range:       FallbackRange(e.now(), e.fallbackYears),
		PatientName: name,
		Fallback:    true,
	}
}

func parseYear(raw json.RawMessage) (int, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	// Dates such as "2004-05-01" are accepted by their year.
	if len(s) > 4 && (s[4] == '-' || s[4] == 'T') {
		s = s[:4]
	}
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return y, true
}
