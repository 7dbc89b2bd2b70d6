package clinical

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

var fixedNow = time.Date(2024, time.June, 15, 10, 0, 0, 0, time.UTC)

func newInferrer(c *qt.C, answer func(ai.TextRequest) (string, error)) (*EraInferrer, *mock.AIClient, *mock.AIClient) {
	standard := &mock.AIClient{Family: ai.ModelFamilyOpenAI, Text: answer}
	high := &mock.AIClient{Family: ai.ModelFamilyGemini, Text: answer}
	registry, err := mock.NewAIRegistry(standard, high)
	c.Assert(err, qt.IsNil)

	e := NewEraInferrer(registry, 16000, 20, zap.NewNop())
	e.now = func() time.Time { return fixedNow }
	return e, standard, high
}

func TestEraInferrer_Infer(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	fallback := types.YearRange(2005, 2024)

	testCases := []struct {
		name     string
		answer   string
		err      error
		want     types.DateRange
		wantName string
		fallback bool
	}{
		{
			name:     "ok - numeric years",
			answer:   `{"start_year": 2019, "end_year": 2021, "patient_name": "Erika Mustermann"}`,
			want:     types.YearRange(2019, 2021),
			wantName: "Erika Mustermann",
		},
		{
			name:     "ok - string years in a code fence",
			answer:   "```json\n{\"start_year\": \"2004\", \"end_year\": \"2022-11-03\", \"patient_name\": null}\n```",
			want:     types.YearRange(2004, 2022),
			wantName: "",
		},
		{
			name:     "fallback - null years keep the name",
			answer:   `{"start_year": null, "end_year": null, "patient_name": "Max Muster"}`,
			want:     fallback,
			wantName: "Max Muster",
			fallback: true,
		},
		{
			name:     "fallback - year in the future",
			answer:   `{"start_year": 2019, "end_year": 2031, "patient_name": null}`,
			want:     fallback,
			fallback: true,
		},
		{
			name:     "fallback - year too old",
			answer:   `{"start_year": 1850, "end_year": 2001, "patient_name": null}`,
			want:     fallback,
			fallback: true,
		},
		{
			name:     "fallback - reversed range",
			answer:   `{"start_year": 2021, "end_year": 2019, "patient_name": null}`,
			want:     fallback,
			fallback: true,
		},
		{
			name:     "fallback - not JSON",
			answer:   `Ich konnte keine Jahre finden.`,
			want:     fallback,
			fallback: true,
		},
		{
			name:     "fallback - backend error",
			err:      fmt.Errorf("rate limited"),
			want:     fallback,
			fallback: true,
		},
	}

	for _, tc := range testCases {
		c.Run(tc.name, func(c *qt.C) {
			e, _, _ := newInferrer(c, func(ai.TextRequest) (string, error) {
				return tc.answer, tc.err
			})

			era, err := e.Infer(ctx, "Arztbrief vom 03.11.2022", 100)
			c.Assert(err, qt.IsNil)
			c.Check(era.Range, qt.DeepEquals, tc.want)
			c.Check(era.PatientName, qt.Equals, tc.wantName)
			c.Check(era.Fallback, qt.Equals, tc.fallback)
		})
	}
}

func TestEraInferrer_BackendSelection(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	e, standard, high := newInferrer(c, func(ai.TextRequest) (string, error) {
		return `{"start_year": 2020, "end_year": 2020}`, nil
	})

	_, err := e.Infer(ctx, "kurz", 16000)
	c.Assert(err, qt.IsNil)
	_, err = e.Infer(ctx, "lang", 16001)
	c.Assert(err, qt.IsNil)

	c.Check(standard.Requests(), qt.HasLen, 1)
	c.Check(high.Requests(), qt.HasLen, 1)
	c.Check(standard.Requests()[0].JSON, qt.IsTrue)
	c.Check(strings.HasSuffix(high.Requests()[0].Prompt, "lang"), qt.IsTrue)
}

func TestFallbackRange(t *testing.T) {
	c := qt.New(t)

	r := FallbackRange(fixedNow, 20)
	c.Check(r.Years(), qt.HasLen, 20)
	c.Check(r.Begin.Year(), qt.Equals, 2005)
	c.Check(r.End, qt.Equals, time.Date(2024, time.December, 31, 0, 0, 0, 0, time.UTC))
}

func TestParseCodes(t *testing.T) {
	c := qt.New(t)

	raw := "```json\n" + `{"codes": [
		{"code": "i10", "code_type": "ICD-10", "description": " Essentielle Hypertonie "},
		{"code": "I10", "code_type": "ICD10", "description": "duplicate"},
		{"code": "5-470.11", "code_type": "OPS", "description": null},
		{"code": "BA00", "code_type": "icd11"},
		{"code": "X", "code_type": "ICD10"},
		{"code": "Z00.0", "code_type": "SNOMED"}
	]}` + "\n```"

	codes, err := ParseCodes(raw, zap.NewNop())
	c.Assert(err, qt.IsNil)
	c.Check(codes, qt.DeepEquals, []Code{
		{Code: "I10", CodeType: types.CodeTypeICD10, Description: "Essentielle Hypertonie"},
		{Code: "5-470.11", CodeType: types.CodeTypeOPS},
		{Code: "BA00", CodeType: types.CodeTypeICD11},
	})

	_, err = ParseCodes("keine Codes", nil)
	c.Check(err, qt.Not(qt.IsNil))
}

func TestCodeExtractor(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	standard := &mock.AIClient{Family: ai.ModelFamilyOpenAI, Text: func(req ai.TextRequest) (string, error) {
		switch {
		case strings.Contains(req.Prompt, "ICD10 code I10"):
			return `{"description": "Essentielle (primäre) Hypertonie"}`, nil
		case strings.Contains(req.Prompt, "ICD10 code Q99.9"):
			return `{"description": null}`, nil
		}
		return `{"codes": [{"code": "I10", "code_type": "ICD10"}]}`, nil
	}}
	high := &mock.AIClient{Family: ai.ModelFamilyGemini}
	registry, err := mock.NewAIRegistry(standard, high)
	c.Assert(err, qt.IsNil)

	e := NewCodeExtractor(registry, 16000, zap.NewNop())

	codes, err := e.Extract(ctx, "Hypertonie", 10)
	c.Assert(err, qt.IsNil)
	c.Check(codes, qt.DeepEquals, []Code{{Code: "I10", CodeType: types.CodeTypeICD10}})

	desc, err := e.Lookup(ctx, "I10", types.CodeTypeICD10)
	c.Assert(err, qt.IsNil)
	c.Check(desc, qt.Equals, "Essentielle (primäre) Hypertonie")

	desc, err = e.Lookup(ctx, "Q99.9", types.CodeTypeICD10)
	c.Assert(err, qt.IsNil)
	c.Check(desc, qt.Equals, "")

	// High-context records go to the other backend, which isn't scripted.
	_, err = e.Extract(ctx, "lang", 20000)
	c.Check(err, qt.ErrorMatches, "extracting codes: gemini: text generation not scripted")
}
