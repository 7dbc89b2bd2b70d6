package worker

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

type createReportsWorkflow struct {
	temporalClient client.Client
	worker         *Worker
}

// NewCreateReportsWorkflow creates a new CreateReportsWorkflow instance
func NewCreateReportsWorkflow(temporalClient client.Client, worker *Worker) service.CreateReportsWorkflow {
	return &createReportsWorkflow{
		temporalClient: temporalClient,
		worker:         worker,
	}
}

func (w *createReportsWorkflow) Execute(ctx context.Context, queue string, param service.CreateReportsWorkflowParam) (string, error) {
	workflowOptions := client.StartWorkflowOptions{
		ID:                                       createReportsWorkflowID(param.RecordID),
		TaskQueue:                                queue,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := w.temporalClient.ExecuteWorkflow(ctx, workflowOptions, w.worker.CreateReportsWorkflow, param)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

// createReportsWorkflowID allows one report run per record at a time.
func createReportsWorkflowID(recordID types.RecordIDType) string {
	return fmt.Sprintf("create-reports-%d", recordID)
}

// CreateReportsWorkflow creates the reports of a record, one template after
// the other. A failed report doesn't stop the others; the workflow fails
// once all of them were attempted. Whatever a failed activity left open is
// closed from a disconnected context, so cancellation can't skip it.
func (w *Worker) CreateReportsWorkflow(ctx workflow.Context, param service.CreateReportsWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting CreateReportsWorkflow", "recordID", param.RecordID)

	prepareCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	var reports []PreparedReport
	if err := workflow.ExecuteActivity(prepareCtx, w.PrepareReportsActivity, &PrepareReportsActivityParam{
		RecordID:    param.RecordID,
		UserID:      param.UserID,
		TemplateIDs: param.TemplateIDs,
	}).Get(ctx, &reports); err != nil {
		w.closeReportRun(ctx, param.RecordID, 0, err)
		return fmt.Errorf("preparing reports: %w", err)
	}

	generateCtx := workflow.WithActivityOptions(ctx, w.reportActivityOptions())
	failed := 0
	for _, rep := range reports {
		if err := workflow.ExecuteActivity(generateCtx, w.GenerateReportActivity, &GenerateReportActivityParam{
			ReportID:   rep.ID,
			Regenerate: rep.Regenerate,
		}).Get(ctx, nil); err != nil {
			failed++
			logger.Error("Report generation failed", "reportID", rep.ID, "error", err)
			w.closeReportRun(ctx, param.RecordID, rep.ID, err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d reports failed", failed, len(reports))
	}
	logger.Info("CreateReportsWorkflow completed", "recordID", param.RecordID, "reports", len(reports))
	return nil
}

type regenerateReportWorkflow struct {
	temporalClient client.Client
	worker         *Worker
}

// NewRegenerateReportWorkflow creates a new RegenerateReportWorkflow instance
func NewRegenerateReportWorkflow(temporalClient client.Client, worker *Worker) service.RegenerateReportWorkflow {
	return &regenerateReportWorkflow{
		temporalClient: temporalClient,
		worker:         worker,
	}
}

func (w *regenerateReportWorkflow) Execute(ctx context.Context, queue string, param service.RegenerateReportWorkflowParam) (string, error) {
	workflowOptions := client.StartWorkflowOptions{
		ID:                                       fmt.Sprintf("regenerate-report-%d", param.ReportID),
		TaskQueue:                                queue,
		WorkflowIDReusePolicy:                    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}

	run, err := w.temporalClient.ExecuteWorkflow(ctx, workflowOptions, w.worker.RegenerateReportWorkflow, param)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

// RegenerateReportWorkflow generates an existing report again and refreshes
// the date of its identifier.
func (w *Worker) RegenerateReportWorkflow(ctx workflow.Context, param service.RegenerateReportWorkflowParam) error {
	generateCtx := workflow.WithActivityOptions(ctx, w.reportActivityOptions())
	err := workflow.ExecuteActivity(generateCtx, w.GenerateReportActivity, &GenerateReportActivityParam{
		ReportID:   param.ReportID,
		Regenerate: true,
	}).Get(ctx, nil)
	if err != nil {
		w.closeReportRun(ctx, 0, param.ReportID, err)
		return err
	}
	return nil
}

// closeReportRun fails the report (or, with a zero reportID, the report
// preparation) after its activity ended with err.
func (w *Worker) closeReportRun(ctx workflow.Context, recordID types.RecordIDType, reportID types.ReportIDType, err error) {
	logger := workflow.GetLogger(ctx)
	failCtx, _ := workflow.NewDisconnectedContext(ctx)
	failCtx = workflow.WithActivityOptions(failCtx, standardActivityOptions())
	if failErr := workflow.ExecuteActivity(failCtx, w.FailReportActivity, &FailReportActivityParam{
		RecordID: recordID,
		ReportID: reportID,
		Message:  reportFailureMessage(err),
	}).Get(failCtx, nil); failErr != nil {
		logger.Error("Failed to close interrupted report", "reportID", reportID, "error", failErr)
	}
}

// reportFailureMessage is the user-facing message of a report activity
// that ended with err.
func reportFailureMessage(err error) string {
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "The report generation exceeded its time limit."
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return "The report generation was cancelled."
	}
	_, msg := activityFailure(err)
	return msg
}
