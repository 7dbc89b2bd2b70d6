// Package report generates the per-template reports of a record, one model
// call per calendar year of the record's medical history.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	temperature = float32(0.7)
	maxTokens   = 16000
)

// ErrNoYearSucceeded is returned when every year's generation failed.
var ErrNoYearSucceeded = errors.New("no year of the report could be generated")

// Request holds the inputs of one report.
type Request struct {
	Template           *repository.ReportTemplateModel
	Text               string
	TokenCount         int
	Range              types.DateRange
	CustomInstructions string
}

// Result is a generated report.
type Result struct {
	Content string
	// Backend is the model family that produced the content.
	Backend string
	// Years lists the years whose generation succeeded.
	Years []int
}

// Generator produces reports through the model registry.
type Generator struct {
	registry  *ai.Registry
	threshold int
	policy    ai.RetryPolicy
	logger    *zap.Logger
}

// NewGenerator returns a generator that sends records above tokenThreshold
// tokens to the high-context backend.
func NewGenerator(registry *ai.Registry, tokenThreshold int, policy ai.RetryPolicy, logger *zap.Logger) *Generator {
	return &Generator{
		registry:  registry,
		threshold: tokenThreshold,
		policy:    policy,
		logger:    logger,
	}
}

// Generate runs one call per year of the range. A failing year is skipped;
// the report fails only when no year succeeded.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	t := req.Template
	if t == nil {
		return nil, errorsx.AddMessage(
			fmt.Errorf("missing template: %w", errorsx.ErrInvalidArgument),
			"The report template is missing.",
		)
	}
	years := req.Range.Years()
	if len(years) == 0 {
		return nil, errorsx.AddMessage(
			fmt.Errorf("empty date range: %w", errorsx.ErrInvalidArgument),
			"The record has no medical history range.",
		)
	}

	client, err := g.registry.ForTokenCount(ctx, req.TokenCount, g.threshold)
	if err != nil {
		return nil, fmt.Errorf("selecting generation backend: %w", err)
	}

	logger := g.logger.With(
		zap.String("template", t.Name),
		zap.String("backend", client.Name()),
		zap.Int("tokenCount", req.TokenCount),
		zap.Int("firstYear", years[0]),
		zap.Int("lastYear", years[len(years)-1]))
	logger.Info("Generating report")

	res := &Result{Backend: client.Name()}
	if t.OutputFormat == types.OutputFormatJSON {
		err = g.generateJSON(ctx, logger, client, req, years, res)
	} else {
		err = g.generateText(ctx, logger, client, req, years, res)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Report generated", zap.Ints("years", res.Years), zap.Int("length", len(res.Content)))
	return res, nil
}

func (g *Generator) yearRequest(req Request, year int) ai.TextRequest {
	temp := temperature
	return ai.TextRequest{
		SystemPrompt: YearPrompt(req.Template, year, req.CustomInstructions),
		Prompt:       dataPrompt(req.Text),
		JSON:         req.Template.OutputFormat == types.OutputFormatJSON,
		MaxTokens:    maxTokens,
		Temperature:  &temp,
	}
}

func (g *Generator) generateJSON(ctx context.Context, logger *zap.Logger, client ai.Client, req Request, years []int, res *Result) error {
	rowsKey, err := req.Template.RowsKey()
	if err != nil {
		return err
	}

	var perYear [][]Row
	for _, year := range years {
		aiReq := g.yearRequest(req, year)
		rows, err := ai.Retry(ctx, g.policy, logger, fmt.Sprintf("report year %d", year), func(ctx context.Context) ([]Row, error) {
			out, err := client.GenerateText(ctx, aiReq)
			if err != nil {
				return nil, err
			}
			return ParseRows(out.Text, rowsKey)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Skipping report year", zap.Int("year", year), zap.Error(err))
			continue
		}
		perYear = append(perYear, rows)
		res.Years = append(res.Years, year)
	}

	if len(res.Years) == 0 {
		return ErrNoYearSucceeded
	}

	merged := MergeRows(perYear)
	if len(merged) == 0 {
		res.Content = NoReportsText
		return nil
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding merged report: %w", err)
	}
	res.Content = string(b)
	return nil
}

func (g *Generator) generateText(ctx context.Context, logger *zap.Logger, client ai.Client, req Request, years []int, res *Result) error {
	var sections []string
	for _, year := range years {
		aiReq := g.yearRequest(req, year)
		text, err := ai.Retry(ctx, g.policy, logger, fmt.Sprintf("report year %d", year), func(ctx context.Context) (string, error) {
			out, err := client.GenerateText(ctx, aiReq)
			if err != nil {
				return "", err
			}
			return out.Text, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("Skipping report year", zap.Int("year", year), zap.Error(err))
			continue
		}
		res.Years = append(res.Years, year)
		if strings.TrimSpace(text) != "" {
			sections = append(sections, yearSection(year, text))
		}
	}

	if len(res.Years) == 0 {
		return ErrNoYearSucceeded
	}
	if len(sections) == 0 {
		res.Content = NoReportsText
		return nil
	}

	combined := strings.Join(sections, "\n")
	res.Content = g.summarize(ctx, logger, client, req.Template, combined)
	return nil
}

// summarize condenses the yearly sections. The concatenated sections are
// returned when the call fails.
func (g *Generator) summarize(ctx context.Context, logger *zap.Logger, client ai.Client, t *repository.ReportTemplateModel, combined string) string {
	temp := temperature
	aiReq := ai.TextRequest{
		SystemPrompt: t.SystemPrompt,
		Prompt:       summaryPrompt(t, combined),
		MaxTokens:    maxTokens,
		Temperature:  &temp,
	}
	summary, err := ai.Retry(ctx, g.policy, logger, "report summary", func(ctx context.Context) (string, error) {
		out, err := client.GenerateText(ctx, aiReq)
		if err != nil {
			return "", err
		}
		return out.Text, nil
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		logger.Warn("Summarizing yearly sections failed, keeping them as they are", zap.Error(err))
		return combined
	}
	return summary
}
