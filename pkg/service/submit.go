package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/logger"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Kind is a job submission kind.
type Kind string

const (
	// KindProcessUpload ingests uploaded documents into a record.
	KindProcessUpload Kind = "process_upload"
	// KindCreateReports creates the reports of an existing record.
	KindCreateReports Kind = "create_reports"
	// KindRegenerateReport regenerates a single report.
	KindRegenerateReport Kind = "regenerate_report"
)

// DefaultQueue returns the queue a kind is submitted to when the caller
// doesn't name one.
func (k Kind) DefaultQueue() string {
	switch k {
	case KindProcessUpload:
		return constant.IntakeQueue
	case KindCreateReports:
		return constant.SummaryQueue
	case KindRegenerateReport:
		return constant.RegenerateQueue
	}
	return ""
}

type service struct {
	repository repository.Repository
	ledgerCfg  config.LedgerConfig
	validate   *validator.Validate

	processUpload    ProcessUploadWorkflow
	createReports    CreateReportsWorkflow
	regenerateReport RegenerateReportWorkflow
}

// NewService initiates a service instance
func NewService(
	repo repository.Repository,
	ledgerCfg config.LedgerConfig,
	processUpload ProcessUploadWorkflow,
	createReports CreateReportsWorkflow,
	regenerateReport RegenerateReportWorkflow,
) Service {
	return &service{
		repository:       repo,
		ledgerCfg:        ledgerCfg,
		validate:         validator.New(),
		processUpload:    processUpload,
		createReports:    createReports,
		regenerateReport: regenerateReport,
	}
}

// Repository returns the repository of the service.
func (s *service) Repository() repository.Repository {
	return s.repository
}

func (s *service) decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("decoding payload: %w: %w", err, errorsx.ErrInvalidArgument),
			"The job payload is not valid JSON.",
		)
	}
	if err := s.validate.Struct(v); err != nil {
		return errorsx.AddMessage(
			fmt.Errorf("validating payload: %w: %w", err, errorsx.ErrInvalidArgument),
			fmt.Sprintf("The job payload is invalid: %s", err),
		)
	}
	return nil
}

func validQueue(queue string) bool {
	for _, q := range constant.TaskQueues {
		if q == queue {
			return true
		}
	}
	return false
}

// Submit implements Service.
func (s *service) Submit(ctx context.Context, kind Kind, payload []byte, queue string) (string, error) {
	if queue == "" {
		queue = kind.DefaultQueue()
	}
	if !validQueue(queue) {
		return "", errorsx.AddMessage(
			fmt.Errorf("unknown queue %q: %w", queue, errorsx.ErrInvalidArgument),
			fmt.Sprintf("Queue %q does not exist.", queue),
		)
	}

	log, _ := logger.GetZapLogger(ctx)
	log = log.With(zap.String("kind", string(kind)), zap.String("queue", queue))

	var jobID string
	var err error
	switch kind {
	case KindProcessUpload:
		var p ProcessUploadWorkflowParam
		if err := s.decode(payload, &p); err != nil {
			return "", err
		}
		if _, err := s.repository.GetRecord(ctx, p.RecordID); err != nil {
			return "", fmt.Errorf("fetching record: %w", err)
		}
		jobID, err = s.processUpload.Execute(ctx, queue, p)
	case KindCreateReports:
		var p CreateReportsWorkflowParam
		if err := s.decode(payload, &p); err != nil {
			return "", err
		}
		jobID, err = s.createReports.Execute(ctx, queue, p)
	case KindRegenerateReport:
		var p RegenerateReportWorkflowParam
		if err := s.decode(payload, &p); err != nil {
			return "", err
		}
		if _, err := s.repository.GetReport(ctx, p.ReportID); err != nil {
			return "", fmt.Errorf("fetching report: %w", err)
		}
		jobID, err = s.regenerateReport.Execute(ctx, queue, p)
	default:
		return "", errorsx.AddMessage(
			fmt.Errorf("unknown job kind %q: %w", kind, errorsx.ErrInvalidArgument),
			fmt.Sprintf("Job kind %q is not supported.", kind),
		)
	}
	if err != nil {
		log.Error("Failed to submit job", zap.Error(err))
		return "", err
	}

	log.Info("Job submitted", zap.String("jobID", jobID))
	return jobID, nil
}

// QueryStatus implements Service.
func (s *service) QueryStatus(ctx context.Context, recordID types.RecordIDType) (*ledger.Report, error) {
	rec, err := s.repository.GetRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("fetching record: %w", err)
	}

	entries, err := s.repository.ListRecentTasks(ctx, recordID, s.ledgerCfg.Window)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	core := append([]string(nil), s.ledgerCfg.CoreTasks...)
	if rec.CreateReports {
		core = append(core, s.ledgerCfg.ReportTasks...)
	}
	return ledger.BuildReport(entries, core), nil
}
