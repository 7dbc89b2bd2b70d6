package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/report"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// PrepareReportsActivityParam defines the parameters for the
// PrepareReportsActivity
type PrepareReportsActivityParam struct {
	RecordID    types.RecordIDType
	UserID      types.UserIDType
	TemplateIDs []types.TemplateIDType
}

// PreparedReport is a report to generate.
type PreparedReport struct {
	ID types.ReportIDType
	// Regenerate is set for a report that was generated, or failed, before.
	Regenerate bool
}

// PrepareReportsActivity makes sure a report row exists for every requested
// template and returns them in template order.
func (w *Worker) PrepareReportsActivity(ctx context.Context, param *PrepareReportsActivityParam) ([]PreparedReport, error) {
	var prepared []PreparedReport
	err := w.trackTask(ctx, param.RecordID, constant.TaskCreateReports, "", RetryMaximumAttempts, func(ctx context.Context) (map[string]any, error) {
		rec, err := w.repository.GetRecord(ctx, param.RecordID)
		if err != nil {
			if errors.Is(err, errorsx.ErrNotFound) {
				return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
			}
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
		}
		if len(rec.HistoryRange().Years()) == 0 {
			err := errorsx.AddMessage(
				fmt.Errorf("record %d has no medical-history range: %w", param.RecordID, errorsx.ErrInvalidArgument),
				"The treatment period of the record is unknown. Upload documents first.",
			)
			return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
		}

		templates, err := w.requestedTemplates(ctx, param.TemplateIDs)
		if err != nil {
			return nil, err
		}

		prepared = make([]PreparedReport, 0, len(templates))
		for _, t := range templates {
			rep, err := w.repository.EnsureReport(ctx, param.UserID, param.RecordID, t.ID)
			if err != nil {
				err = errorsx.AddMessage(err, "Unable to create the reports. Please try again.")
				return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
			}
			prepared = append(prepared, PreparedReport{
				ID:         rep.ID,
				Regenerate: rep.GenerationStatus.Terminal(),
			})
		}
		return map[string]any{"reports": len(prepared)}, nil
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

func (w *Worker) requestedTemplates(ctx context.Context, ids []types.TemplateIDType) ([]repository.ReportTemplateModel, error) {
	if len(ids) == 0 {
		templates, err := w.repository.ListReportTemplates(ctx)
		if err != nil {
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
		}
		return templates, nil
	}

	templates := make([]repository.ReportTemplateModel, 0, len(ids))
	for _, id := range ids {
		t, err := w.repository.GetReportTemplate(ctx, id)
		if err != nil {
			if errors.Is(err, errorsx.ErrNotFound) {
				err = errorsx.AddMessage(err, fmt.Sprintf("Report template %d does not exist.", id))
				return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
			}
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), prepareReportsActivityError, err)
		}
		templates = append(templates, *t)
	}
	return templates, nil
}

// GenerateReportActivityParam defines the parameters for the
// GenerateReportActivity
type GenerateReportActivityParam struct {
	ReportID types.ReportIDType
	// Regenerate refreshes the date of the report identifier on success.
	// Only a report's first generation keeps its creation date.
	Regenerate bool
}

// GenerateReportActivity generates the content of one report. The report is
// marked as generating before the model is called and as failed once the
// last attempt failed.
func (w *Worker) GenerateReportActivity(ctx context.Context, param *GenerateReportActivityParam) error {
	rep, err := w.repository.GetReport(ctx, param.ReportID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), generateReportActivityError, err)
		}
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
	}

	logger := w.log.With(
		zap.Uint("reportID", rep.ID),
		zap.Uint("recordID", rep.RecordID),
		zap.Uint("templateID", rep.TemplateID))

	key := strconv.FormatUint(uint64(rep.ID), 10)
	return w.trackTask(ctx, rep.RecordID, constant.TaskGenerateReport, key, reportActivityAttempts, func(ctx context.Context) (map[string]any, error) {
		res, err := w.generateReport(ctx, rep)
		if err != nil {
			if isFinalAttempt(ctx, err, reportActivityAttempts) {
				logger.Error("Report generation failed", zap.Error(err))
				if failErr := w.repository.FailReport(ctx, rep.ID, hrerrors.UserMessage(err)); failErr != nil {
					logger.Error("Failed to mark report as failed", zap.Error(failErr))
				}
			}
			return nil, err
		}

		if err := w.repository.CompleteReport(ctx, rep.ID, res.Content, res.Backend); err != nil {
			err = errorsx.AddMessage(err, "Unable to store the report. Please try again.")
			return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
		}
		if param.Regenerate {
			if _, err := w.repository.RefreshReportIdentifier(ctx, rep.ID, time.Now().UTC()); err != nil {
				logger.Warn("Failed to refresh report identifier", zap.Error(err))
			}
		}

		logger.Info("Report generated", zap.String("backend", res.Backend), zap.Ints("years", res.Years))
		return map[string]any{
			"report_id": rep.ID,
			"backend":   res.Backend,
			"years":     len(res.Years),
		}, nil
	})
}

func (w *Worker) generateReport(ctx context.Context, rep *repository.ReportModel) (*report.Result, error) {
	rec, err := w.repository.GetRecord(ctx, rep.RecordID)
	if err != nil {
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
	}
	tmpl, err := w.repository.GetReportTemplate(ctx, rep.TemplateID)
	if err != nil {
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
	}

	if err := w.repository.MarkReportGenerating(ctx, rep.ID); err != nil {
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
	}

	genCtx := ctx
	if limit := w.pipeline.Report.SoftTimeLimit; limit > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	res, err := w.reports.Generate(genCtx, report.Request{
		Template:           tmpl,
		Text:               rec.Text.String(),
		TokenCount:         rec.TokenCount,
		Range:              rec.HistoryRange(),
		CustomInstructions: rec.CustomInstructions.String(),
	})
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errorsx.ErrInvalidArgument):
		return nil, temporal.NewNonRetryableApplicationError(errorsx.MessageOrErr(err), generateReportActivityError, err)
	default:
		err = errorsx.AddMessage(err, "The report could not be generated.")
		return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), generateReportActivityError, err)
	}
}

// FailReportActivityParam defines the parameters for the FailReportActivity
type FailReportActivityParam struct {
	RecordID types.RecordIDType
	// ReportID is zero when the run failed before its reports existed.
	ReportID types.ReportIDType
	Message  string
}

// FailReportActivity closes what a report run left open when an activity
// ended without doing so itself, e.g. when its last attempt hit the hard
// time limit or its worker died. A report still pending or generating is
// failed and the ledger entry of the task is made terminal. Closing twice
// is a no-op.
func (w *Worker) FailReportActivity(ctx context.Context, param *FailReportActivityParam) error {
	msg := hrerrors.Truncate(param.Message)
	workflowID := activity.GetInfo(ctx).WorkflowExecution.ID
	cause := errors.New(msg)

	wrap := func(err error) error {
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), failReportActivityError, err)
	}

	if param.ReportID == 0 {
		task := ledger.Task{
			RecordID:   param.RecordID,
			Name:       constant.TaskCreateReports,
			InstanceID: instanceID(workflowID, constant.TaskCreateReports, ""),
			RetryCount: RetryMaximumAttempts - 1,
		}
		w.closeInterruptedTask(ctx, task, cause, false)
		return nil
	}

	rep, err := w.repository.GetReport(ctx, param.ReportID)
	if err != nil {
		if errors.Is(err, errorsx.ErrNotFound) {
			return nil
		}
		return wrap(err)
	}

	completed := rep.GenerationStatus == types.GenerationStatusCompleted
	if !completed && rep.GenerationStatus != types.GenerationStatusFailed {
		w.log.Warn("Failing interrupted report", zap.Uint("reportID", rep.ID), zap.String("message", msg))
		if err := w.repository.FailReport(ctx, rep.ID, msg); err != nil {
			return wrap(err)
		}
	}

	key := strconv.FormatUint(uint64(rep.ID), 10)
	w.closeInterruptedTask(ctx, ledger.Task{
		RecordID:   rep.RecordID,
		Name:       constant.TaskGenerateReport,
		InstanceID: instanceID(workflowID, constant.TaskGenerateReport, key),
		RetryCount: reportActivityAttempts - 1,
	}, cause, completed)
	return nil
}

// closeInterruptedTask makes the ledger entry of task terminal. An entry
// that is terminal already is left alone; a missing one is only logged.
func (w *Worker) closeInterruptedTask(ctx context.Context, task ledger.Task, cause error, succeeded bool) {
	if succeeded {
		_ = w.tracker.Succeed(ctx, task, nil)
		return
	}
	_ = w.tracker.Fail(ctx, task, interruptedErrorType, cause, nil)
}
