package report

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/healthrecord-backend/pkg/mock"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

func TestPresetTemplates(t *testing.T) {
	c := qt.New(t)

	templates, err := PresetTemplates()
	c.Assert(err, qt.IsNil)
	c.Assert(templates, qt.HasLen, 3)

	byName := map[string]int{}
	for i, tmpl := range templates {
		byName[tmpl.Name] = i
		if tmpl.OutputFormat == types.OutputFormatJSON {
			_, err := tmpl.RowsKey()
			c.Check(err, qt.IsNil, qt.Commentf("template %s", tmpl.Name))
		}
	}

	diag := templates[byName["Diagnosen"]]
	key, err := diag.RowsKey()
	c.Assert(err, qt.IsNil)
	c.Check(key, qt.Equals, "Diagnosen")
	c.Check(diag.UseCustomInstructions, qt.IsTrue)

	summary := templates[byName["Zusammenfassung"]]
	c.Check(summary.OutputFormat, qt.Equals, types.OutputFormatText)

	c.Run("seeding is idempotent", func(c *qt.C) {
		repo, _ := mock.NewRepository(t)
		ctx := context.Background()
		for range 2 {
			for _, tmpl := range templates {
				_, err := repo.UpsertReportTemplate(ctx, tmpl)
				c.Assert(err, qt.IsNil)
			}
		}
		stored, err := repo.ListReportTemplates(ctx)
		c.Assert(err, qt.IsNil)
		c.Check(stored, qt.HasLen, len(templates))
	})
}
