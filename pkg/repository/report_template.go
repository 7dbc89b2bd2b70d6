package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// ReportTemplateTableName is the table name for report templates
	ReportTemplateTableName = "report_template"
)

// ReportTemplate holds the persistence operations on report templates.
type ReportTemplate interface {
	GetReportTemplate(ctx context.Context, id types.TemplateIDType) (*ReportTemplateModel, error)
	ListReportTemplates(ctx context.Context) ([]ReportTemplateModel, error)
	// UpsertReportTemplate creates a template or updates the one with the
	// same name.
	UpsertReportTemplate(ctx context.Context, t ReportTemplateModel) (*ReportTemplateModel, error)
}

// ReportTemplateModel configures how one kind of report is generated.
type ReportTemplateModel struct {
	ID           types.TemplateIDType `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name         string               `gorm:"column:name;size:255;not null;uniqueIndex" json:"name"`
	OutputFormat types.OutputFormat   `gorm:"column:output_format;size:16;not null" json:"output_format"`
	// ExampleStructure is the JSON shape the model is asked to produce. Rows
	// live under its first key.
	ExampleStructure      datatypes.JSON `gorm:"column:example_structure;type:jsonb" json:"example_structure"`
	SystemPrompt          string         `gorm:"column:system_prompt;type:text" json:"system_prompt"`
	Prompt                string         `gorm:"column:prompt;type:text" json:"prompt"`
	UseCustomInstructions bool           `gorm:"column:use_custom_instructions;not null;default:false" json:"use_custom_instructions"`
	SupplementaryDocument string         `gorm:"column:supplementary_document;type:text" json:"supplementary_document"`

	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (ReportTemplateModel) TableName() string {
	return ReportTemplateTableName
}

// RowsKey returns the first key of the example structure, under which the
// rows of a JSON report are stored. Keys are compared in document order.
func (t *ReportTemplateModel) RowsKey() (string, error) {
	if len(t.ExampleStructure) == 0 {
		return "", fmt.Errorf("template %q has no example structure: %w", t.Name, errorsx.ErrInvalidArgument)
	}

	dec := json.NewDecoder(bytes.NewReader(t.ExampleStructure))
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("reading example structure: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", fmt.Errorf("example structure of %q is not an object: %w", t.Name, errorsx.ErrInvalidArgument)
	}
	tok, err = dec.Token()
	if err != nil {
		return "", fmt.Errorf("reading example structure: %w", err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("example structure of %q is empty: %w", t.Name, errorsx.ErrInvalidArgument)
	}
	return key, nil
}

// ReportTemplateColumns is the columns for the report template table
type ReportTemplateColumns struct {
	ID           string
	Name         string
	OutputFormat string
}

// ReportTemplateColumn holds the column names of the report template table.
var ReportTemplateColumn = ReportTemplateColumns{
	ID:           "id",
	Name:         "name",
	OutputFormat: "output_format",
}

// GetReportTemplate fetches a template by ID.
func (r *repository) GetReportTemplate(ctx context.Context, id types.TemplateIDType) (*ReportTemplateModel, error) {
	var t ReportTemplateModel
	where := fmt.Sprintf("%s = ?", ReportTemplateColumn.ID)
	if err := r.db.WithContext(ctx).Where(where, id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("report template %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// ListReportTemplates returns every template ordered by ID.
func (r *repository) ListReportTemplates(ctx context.Context) ([]ReportTemplateModel, error) {
	var ts []ReportTemplateModel
	if err := r.db.WithContext(ctx).Order(ReportTemplateColumn.ID).Find(&ts).Error; err != nil {
		return nil, err
	}
	return ts, nil
}

// UpsertReportTemplate inserts the template, or updates every field of the
// template that has the same name.
func (r *repository) UpsertReportTemplate(ctx context.Context, t ReportTemplateModel) (*ReportTemplateModel, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("template name is required: %w", errorsx.ErrInvalidArgument)
	}
	switch t.OutputFormat {
	case types.OutputFormatJSON:
		if _, err := t.RowsKey(); err != nil {
			return nil, err
		}
	case types.OutputFormatText:
	default:
		return nil, fmt.Errorf("unknown output format %q: %w", t.OutputFormat, errorsx.ErrInvalidArgument)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: ReportTemplateColumn.Name}},
		DoUpdates: clause.AssignmentColumns([]string{
			"output_format", "example_structure", "system_prompt", "prompt",
			"use_custom_instructions", "supplementary_document",
		}),
	}).Create(&t).Error
	if err != nil {
		return nil, err
	}

	where := fmt.Sprintf("%s = ?", ReportTemplateColumn.Name)
	var stored ReportTemplateModel
	if err := r.db.WithContext(ctx).Where(where, t.Name).First(&stored).Error; err != nil {
		return nil, err
	}
	return &stored, nil
}
