package report

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

var fastPolicy = ai.RetryPolicy{
	MaxAttempts:    2,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     time.Millisecond,
	Multiplier:     1,
}

var yearRe = regexp.MustCompile(`only contain data for the year (\d{4})`)

func yearOf(req ai.TextRequest) string {
	m := yearRe.FindStringSubmatch(req.SystemPrompt)
	if m == nil {
		return ""
	}
	return m[1]
}

func jsonTemplate() *repository.ReportTemplateModel {
	return &repository.ReportTemplateModel{
		Name:             "Diagnosen",
		OutputFormat:     types.OutputFormatJSON,
		ExampleStructure: datatypes.JSON(`{"Diagnosen":[{"Datum":"2020-01-01","Code":"I10","Diagnose":"Hypertonie"}],"Hinweis":""}`),
		SystemPrompt:     "Du bist Facharzt.",
		Prompt:           "Liste alle Diagnosen.",
	}
}

func newGenerator(c *qt.C, standard, high *mock.AIClient) *Generator {
	registry, err := mock.NewAIRegistry(standard, high)
	c.Assert(err, qt.IsNil)
	return NewGenerator(registry, 16000, fastPolicy, zap.NewNop())
}

func TestGenerator_JSONAcrossYears(t *testing.T) {
	c := qt.New(t)

	// Each year answers with its rows out of order.
	answers := map[string]string{
		"2019": `{"Diagnosen":[{"Datum":"2019-11-02","Code":"J06","Diagnose":"  Infekt "},{"Datum":"2019-03-01","Code":"I10","Diagnose":"Hypertonie"}]}`,
		"2020": "```json\n{\"Diagnosen\":[{\"Datum\":\"15.06.2020\",\"Code\":\"E11\",\"Diagnose\":\"Diabetes\"}]}\n```",
		"2021": `{"Diagnosen":[{"Datum":"2021-01-20T00:00:00","Code":"M54","Diagnose":"Rückenschmerz"}]}`,
	}
	standard := &mock.AIClient{
		Family: ai.ModelFamilyOpenAI,
		Text: func(req ai.TextRequest) (string, error) {
			return answers[yearOf(req)], nil
		},
	}
	high := &mock.AIClient{Family: ai.ModelFamilyGemini}
	g := newGenerator(c, standard, high)

	res, err := g.Generate(context.Background(), Request{
		Template:   jsonTemplate(),
		Text:       "Befund ...",
		TokenCount: 1200,
		Range:      types.YearRange(2019, 2021),
	})
	c.Assert(err, qt.IsNil)
	c.Check(res.Backend, qt.Equals, ai.ModelFamilyOpenAI)
	c.Check(res.Years, qt.DeepEquals, []int{2019, 2020, 2021})
	c.Check(standard.Requests(), qt.HasLen, 3)
	c.Check(high.Requests(), qt.HasLen, 0)

	var rows []map[string]string
	c.Assert(json.Unmarshal([]byte(res.Content), &rows), qt.IsNil)
	var dates []string
	for _, r := range rows {
		dates = append(dates, r["Datum"])
	}
	c.Check(dates, qt.DeepEquals, []string{"2019-03-01", "2019-11-02", "2020-06-15", "2021-01-20"})
	c.Check(rows[1]["Diagnose"], qt.Equals, "Infekt")

	for _, req := range standard.Requests() {
		c.Check(req.JSON, qt.IsTrue)
		c.Check(req.MaxTokens, qt.Equals, 16000)
		c.Check(*req.Temperature, qt.Equals, float32(0.7))
		c.Check(req.Prompt, qt.Equals, "Das ist deine Datenbasis: Befund ...")
	}
}

func TestGenerator_HighContextBackend(t *testing.T) {
	c := qt.New(t)

	standard := &mock.AIClient{Family: ai.ModelFamilyOpenAI}
	high := &mock.AIClient{
		Family: ai.ModelFamilyGemini,
		Text: func(req ai.TextRequest) (string, error) {
			return `{"Diagnosen":[]}`, nil
		},
	}
	g := newGenerator(c, standard, high)

	res, err := g.Generate(context.Background(), Request{
		Template:   jsonTemplate(),
		TokenCount: 16001,
		Range:      types.YearRange(2023, 2023),
	})
	c.Assert(err, qt.IsNil)
	c.Check(res.Backend, qt.Equals, ai.ModelFamilyGemini)
	c.Check(res.Content, qt.Equals, NoReportsText)
	c.Check(standard.Requests(), qt.HasLen, 0)
}

func TestGenerator_SkipsFailedYear(t *testing.T) {
	c := qt.New(t)

	standard := &mock.AIClient{
		Family: ai.ModelFamilyOpenAI,
		Text: func(req ai.TextRequest) (string, error) {
			if yearOf(req) == "2020" {
				return "", fmt.Errorf("rate limited")
			}
			return fmt.Sprintf(`{"Diagnosen":[{"Datum":"%s-05-05","Code":"Z00"}]}`, yearOf(req)), nil
		},
	}
	g := newGenerator(c, standard, &mock.AIClient{Family: ai.ModelFamilyGemini})

	res, err := g.Generate(context.Background(), Request{
		Template: jsonTemplate(),
		Range:    types.YearRange(2019, 2021),
	})
	c.Assert(err, qt.IsNil)
	c.Check(res.Years, qt.DeepEquals, []int{2019, 2021})
	// 2019 and 2021 once each, 2020 twice.
	c.Check(standard.Requests(), qt.HasLen, 4)
	c.Check(res.Content, qt.Equals, `[{"Code":"Z00","Datum":"2019-05-05"},{"Code":"Z00","Datum":"2021-05-05"}]`)
}

func TestGenerator_AllYearsFail(t *testing.T) {
	c := qt.New(t)

	standard := &mock.AIClient{
		Family: ai.ModelFamilyOpenAI,
		Text: func(ai.TextRequest) (string, error) {
			return "not json at all", nil
		},
	}
	g := newGenerator(c, standard, &mock.AIClient{Family: ai.ModelFamilyGemini})

	_, err := g.Generate(context.Background(), Request{
		Template: jsonTemplate(),
		Range:    types.YearRange(2020, 2021),
	})
	c.Check(err, qt.ErrorIs, ErrNoYearSucceeded)
}

func TestGenerator_Text(t *testing.T) {
	c := qt.New(t)

	template := &repository.ReportTemplateModel{
		Name:         "Verlauf",
		OutputFormat: types.OutputFormatText,
		SystemPrompt: "Du bist Hausarzt.",
		Prompt:       "Beschreibe den Verlauf.",
	}

	testCases := []struct {
		name          string
		summaryErr    error
		wantSummarize bool
	}{
		{name: "summarized", wantSummarize: true},
		{name: "summary fails, sections kept", summaryErr: fmt.Errorf("boom")},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			standard := &mock.AIClient{
				Family: ai.ModelFamilyOpenAI,
				Text: func(req ai.TextRequest) (string, error) {
					if y := yearOf(req); y != "" {
						return "Verlauf " + y, nil
					}
					if tc.summaryErr != nil {
						return "", tc.summaryErr
					}
					return "Gesamtbericht", nil
				},
			}
			g := newGenerator(c, standard, &mock.AIClient{Family: ai.ModelFamilyGemini})

			res, err := g.Generate(context.Background(), Request{
				Template: template,
				Range:    types.YearRange(2020, 2021),
			})
			c.Assert(err, qt.IsNil)

			combined := "Bericht für Jahr 2020:\nVerlauf 2020\n\nBericht für Jahr 2021:\nVerlauf 2021\n"
			if tc.wantSummarize {
				c.Check(res.Content, qt.Equals, "Gesamtbericht")
			} else {
				c.Check(res.Content, qt.Equals, combined)
			}

			reqs := standard.Requests()
			summary := reqs[2]
			c.Check(summary.JSON, qt.IsFalse)
			c.Check(strings.HasPrefix(summary.Prompt, "Beschreibe den Verlauf.\n\n"), qt.IsTrue)
			c.Check(strings.HasSuffix(summary.Prompt, combined), qt.IsTrue)
		})
	}
}

func TestYearPrompt(t *testing.T) {
	c := qt.New(t)

	tmpl := jsonTemplate()
	p := YearPrompt(tmpl, 2020, "Allergie gegen Penicillin")
	c.Check(strings.HasPrefix(p, "Follow this role: Du bist Facharzt.\n\nFollow this task: Liste alle Diagnosen.\n\nYou give your output in this format: {"), qt.IsTrue)
	c.Check(strings.Contains(p, "only contain data for the year 2020.\n\n"), qt.IsTrue)
	c.Check(strings.Contains(p, "Penicillin"), qt.IsFalse)

	tmpl.UseCustomInstructions = true
	tmpl.SupplementaryDocument = "Leitlinie XY"
	p = YearPrompt(tmpl, 2020, "Allergie gegen Penicillin")
	c.Check(strings.Contains(p, "Consider the following additional important information for the analysis of the dataset: Allergie gegen Penicillin\n\n"), qt.IsTrue)
	c.Check(strings.HasSuffix(p, "Leitlinie XY\n\n"), qt.IsTrue)
}

func TestMergeRows(t *testing.T) {
	c := qt.New(t)

	merged := MergeRows([][]Row{
		{{"Datum": "unbekannt", "Code": "A"}, {"Datum": "2021-02-01", "Code": "B"}},
		{{"Datum": "03.2020", "Code": "C"}},
	})
	var codes, dates []string
	for _, r := range merged {
		codes = append(codes, r["Code"].(string))
		dates = append(dates, r["Datum"].(string))
	}
	c.Check(codes, qt.DeepEquals, []string{"C", "B", "A"})
	c.Check(dates, qt.DeepEquals, []string{"2020-03-01", "2021-02-01", "unbekannt"})
}

func TestParseRows(t *testing.T) {
	c := qt.New(t)

	rows, err := ParseRows(`[{"Datum":" 2020-01-01 "}]`, "Diagnosen")
	c.Assert(err, qt.IsNil)
	c.Check(rows[0]["Datum"], qt.Equals, "2020-01-01")

	_, err = ParseRows(`{"Andere":[]}`, "Diagnosen")
	c.Check(err, qt.ErrorMatches, `report output has no "Diagnosen" key`)

	rows, err = ParseRows(`{"Diagnosen":null}`, "Diagnosen")
	c.Assert(err, qt.IsNil)
	c.Check(rows, qt.HasLen, 0)
}
