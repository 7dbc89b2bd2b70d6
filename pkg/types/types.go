package types

import (
	"time"

	"github.com/gofrs/uuid"
)

type (
	// RecordIDType identifies a patient record.
	RecordIDType = uint
	// UserIDType identifies the owner of a record.
	UserIDType = uint
	// TemplateIDType identifies a report template.
	TemplateIDType = uint
	// ReportIDType identifies a report.
	ReportIDType = uint

	// RasterHandleType identifies a rasterized page set in the raster cache.
	RasterHandleType = uuid.UUID
)

// ProcessingStatus is the coarse, user-visible state of a record.
type ProcessingStatus string

const (
	// ProcessingStatusPending is set when a record was created but its
	// upload has not been picked up yet.
	ProcessingStatusPending ProcessingStatus = "pending"
	// ProcessingStatusProcessing is set while any pipeline stage runs.
	ProcessingStatusProcessing ProcessingStatus = "processing"
	// ProcessingStatusCompleted is set once all requested stages succeeded.
	ProcessingStatusCompleted ProcessingStatus = "completed"
	// ProcessingStatusFailed is set when a stage failed terminally.
	ProcessingStatusFailed ProcessingStatus = "failed"
)

// GenerationStatus is the state of a single report.
type GenerationStatus string

const (
	// GenerationStatusPending is the state of a freshly inserted report.
	GenerationStatusPending GenerationStatus = "pending"
	// GenerationStatusGenerating is persisted before the generation backend
	// is called.
	GenerationStatusGenerating GenerationStatus = "generating"
	// GenerationStatusCompleted marks a report with content.
	GenerationStatusCompleted GenerationStatus = "completed"
	// GenerationStatusFailed marks a report whose generation failed.
	GenerationStatusFailed GenerationStatus = "failed"
)

// Terminal reports whether a generation run ended.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationStatusCompleted || s == GenerationStatusFailed
}

// CodeType is the terminology a medical code belongs to.
type CodeType string

const (
	// CodeTypeICD10 is the ICD-10 diagnosis classification.
	CodeTypeICD10 CodeType = "ICD10"
	// CodeTypeICD11 is the ICD-11 diagnosis classification.
	CodeTypeICD11 CodeType = "ICD11"
	// CodeTypeOPS is the German procedure classification.
	CodeTypeOPS CodeType = "OPS"
)

// Valid reports whether t is a known terminology.
func (t CodeType) Valid() bool {
	switch t {
	case CodeTypeICD10, CodeTypeICD11, CodeTypeOPS:
		return true
	}
	return false
}

// OutputFormat is the shape of a report template's output.
type OutputFormat string

const (
	// OutputFormatJSON produces tabular rows.
	OutputFormatJSON OutputFormat = "JSON"
	// OutputFormatText produces narrative text.
	OutputFormatText OutputFormat = "TEXT"
)

// DateRange is a record's medical-history range.
type DateRange struct {
	Begin time.Time
	End   time.Time
}

// Years returns every calendar year covered by the range, in ascending order.
func (r DateRange) Years() []int {
	if r.Begin.IsZero() || r.End.IsZero() || r.End.Before(r.Begin) {
		return nil
	}
	years := make([]int, 0, r.End.Year()-r.Begin.Year()+1)
	for y := r.Begin.Year(); y <= r.End.Year(); y++ {
		years = append(years, y)
	}
	return years
}

// YearRange builds the range spanning January 1st of start to December 31st
// of end.
func YearRange(start, end int) DateRange {
	return DateRange{
		Begin: time.Date(start, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(end, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// TaskStatus is the state of a single task ledger entry.
type TaskStatus string

const (
	// TaskStatusStarted is written before a task does any work.
	TaskStatusStarted TaskStatus = "started"
	// TaskStatusRetry is written when an attempt failed and the task will be
	// attempted again.
	TaskStatusRetry TaskStatus = "retry"
	// TaskStatusSuccess is a terminal success.
	TaskStatusSuccess TaskStatus = "success"
	// TaskStatusFailed is a terminal failure.
	TaskStatusFailed TaskStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}
