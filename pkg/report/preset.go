package report

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"gorm.io/datatypes"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// PresetTemplatesFS holds the report templates seeded on installation.
//
//go:embed preset/*.yaml
var PresetTemplatesFS embed.FS

type presetTemplate struct {
	Name                  string `koanf:"name"`
	OutputFormat          string `koanf:"outputformat"`
	SystemPrompt          string `koanf:"systemprompt"`
	Prompt                string `koanf:"prompt"`
	ExampleStructure      string `koanf:"examplestructure"`
	UseCustomInstructions bool   `koanf:"usecustominstructions"`
	SupplementaryDocument string `koanf:"supplementarydocument"`
}

// PresetTemplates parses the embedded templates, ordered by file name.
func PresetTemplates() ([]repository.ReportTemplateModel, error) {
	files, err := fs.Glob(PresetTemplatesFS, "preset/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	templates := make([]repository.ReportTemplateModel, 0, len(files))
	for _, f := range files {
		b, err := PresetTemplatesFS.ReadFile(f)
		if err != nil {
			return nil, err
		}

		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider(b), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path.Base(f), err)
		}
		var p presetTemplate
		if err := k.Unmarshal("", &p); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path.Base(f), err)
		}

		t := repository.ReportTemplateModel{
			Name:                  p.Name,
			OutputFormat:          types.OutputFormat(p.OutputFormat),
			SystemPrompt:          p.SystemPrompt,
			Prompt:                p.Prompt,
			UseCustomInstructions: p.UseCustomInstructions,
			SupplementaryDocument: p.SupplementaryDocument,
		}
		if p.ExampleStructure != "" {
			t.ExampleStructure = datatypes.JSON(p.ExampleStructure)
		}
		templates = append(templates, t)
	}
	return templates, nil
}
