package report

import (
	"fmt"
	"strings"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

const (
	dataPrefix = "Das ist deine Datenbasis: "

	summaryInstruction = "Bitte fasse die folgenden Jahresberichte zu einem Gesamtbericht zusammen und beantworte dabei die Fragestellung über alle Jahre hinweg."

	// NoReportsText is the content of a report for which no year produced
	// any output.
	NoReportsText = "Keine Berichte verfügbar."
)

// YearPrompt composes the system prompt of one year's generation call.
// Custom instructions are only honoured when the template asks for them.
func YearPrompt(t *repository.ReportTemplateModel, year int, customInstructions string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Follow this role: %s\n\n", t.SystemPrompt)
	fmt.Fprintf(&b, "Follow this task: %s\n\n", t.Prompt)
	fmt.Fprintf(&b, "You give your output in this format: %s\n\n", outputFormatHint(t))
	fmt.Fprintf(&b, "Extremely important: Create a report for and only contain data for the year %d.\n\n", year)

	if t.UseCustomInstructions && strings.TrimSpace(customInstructions) != "" {
		fmt.Fprintf(&b, "Consider the following additional important information for the analysis of the dataset: %s\n\n", customInstructions)
	}
	if doc := strings.TrimSpace(t.SupplementaryDocument); doc != "" {
		fmt.Fprintf(&b, "Use the following reference document for the analysis:\n%s\n\n", doc)
	}
	return b.String()
}

// outputFormatHint is the example structure for JSON templates and the
// plain format name otherwise.
func outputFormatHint(t *repository.ReportTemplateModel) string {
	if t.OutputFormat == types.OutputFormatJSON && len(t.ExampleStructure) > 0 {
		return string(t.ExampleStructure)
	}
	return string(t.OutputFormat)
}

func dataPrompt(text string) string {
	return dataPrefix + text
}

func yearSection(year int, text string) string {
	return fmt.Sprintf("Bericht für Jahr %d:\n%s\n", year, text)
}

func summaryPrompt(t *repository.ReportTemplateModel, combined string) string {
	return fmt.Sprintf("%s\n\n%s\n\n%s", t.Prompt, summaryInstruction, combined)
}
