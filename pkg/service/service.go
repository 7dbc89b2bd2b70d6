package service

import (
	"context"

	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// Workflow parameter types - these are shared with the worker package

// UploadedFile is a document uploaded to object storage for a record.
type UploadedFile struct {
	Filename string `json:"filename" validate:"required"`
	Bucket   string `json:"bucket"`
	Path     string `json:"path" validate:"required"`
}

// ProcessUploadWorkflowParam defines the parameters for the
// ProcessUploadWorkflow
type ProcessUploadWorkflowParam struct {
	RecordID      types.RecordIDType `json:"record_id" validate:"required"`
	UserID        types.UserIDType   `json:"user_id" validate:"required"`
	Files         []UploadedFile     `json:"files" validate:"required,min=1,dive"`
	CreateReports bool               `json:"create_reports"`
	// Recipient receives the completion notification. Empty means none.
	Recipient string `json:"recipient" validate:"omitempty,email"`
}

// CreateReportsWorkflowParam defines the parameters for the
// CreateReportsWorkflow
type CreateReportsWorkflowParam struct {
	RecordID types.RecordIDType `json:"record_id" validate:"required"`
	UserID   types.UserIDType   `json:"user_id" validate:"required"`
	// TemplateIDs restricts the reports to these templates. Empty means
	// every template.
	TemplateIDs []types.TemplateIDType `json:"template_ids"`
}

// RegenerateReportWorkflowParam defines the parameters for the
// RegenerateReportWorkflow
type RegenerateReportWorkflowParam struct {
	ReportID types.ReportIDType `json:"report_id" validate:"required"`
}

// Workflow interfaces - implemented by the worker package

// ProcessUploadWorkflow interface
type ProcessUploadWorkflow interface {
	Execute(ctx context.Context, queue string, param ProcessUploadWorkflowParam) (string, error)
}

// CreateReportsWorkflow interface
type CreateReportsWorkflow interface {
	Execute(ctx context.Context, queue string, param CreateReportsWorkflowParam) (string, error)
}

// RegenerateReportWorkflow interface
type RegenerateReportWorkflow interface {
	Execute(ctx context.Context, queue string, param RegenerateReportWorkflowParam) (string, error)
}

// Service defines the health record use cases.
type Service interface {
	// Submit starts the job of the given kind and returns its ID. An empty
	// queue selects the default queue of the kind.
	Submit(ctx context.Context, kind Kind, payload []byte, queue string) (string, error)
	// QueryStatus derives the processing status of a record from its task
	// ledger.
	QueryStatus(ctx context.Context, recordID types.RecordIDType) (*ledger.Report, error)

	Repository() repository.Repository
}
