package worker

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/service"

	errorsx "github.com/instill-ai/x/errors"
)

type processUploadWorkflow struct {
	temporalClient client.Client
	worker         *Worker
}

// NewProcessUploadWorkflow creates a new ProcessUploadWorkflow instance
func NewProcessUploadWorkflow(temporalClient client.Client, worker *Worker) service.ProcessUploadWorkflow {
	return &processUploadWorkflow{
		temporalClient: temporalClient,
		worker:         worker,
	}
}

func (w *processUploadWorkflow) Execute(ctx context.Context, queue string, param service.ProcessUploadWorkflowParam) (string, error) {
	runID, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating workflow id: %w", err)
	}

	workflowOptions := client.StartWorkflowOptions{
		ID:                    fmt.Sprintf("process-upload-%d-%s", param.RecordID, runID.String()),
		TaskQueue:             queue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}

	run, err := w.temporalClient.ExecuteWorkflow(ctx, workflowOptions, w.worker.ProcessUploadWorkflow, param)
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

// ProcessUploadWorkflow ingests an upload batch into a record:
//  1. Mark the record as processing and open the run monitor.
//  2. Extract every file in its own child workflow.
//  3. Combine the results into the record text.
//  4. Infer the treatment period and extract the medical codes.
//  5. Enrich the codes in a detached workflow on the lowest tier.
//  6. Create the reports when the upload asked for them.
//  7. Mark the record as completed.
//
// A run that ends any other way marks the record as failed.
func (w *Worker) ProcessUploadWorkflow(ctx workflow.Context, param service.ProcessUploadWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	workflowID := workflow.GetInfo(ctx).WorkflowExecution.ID
	logger.Info("Starting ProcessUploadWorkflow",
		"recordID", param.RecordID,
		"fileCount", len(param.Files),
		"createReports", param.CreateReports)

	if len(param.Files) == 0 {
		return temporal.NewNonRetryableApplicationError("no files provided for processing", "ProcessUploadWorkflow", nil)
	}

	completed := false
	failure := "Processing was interrupted or terminated before completion."

	// Use a disconnected context so the record is failed even when the
	// workflow was cancelled.
	defer func() {
		if completed {
			return
		}
		cleanupCtx, _ := workflow.NewDisconnectedContext(ctx)
		cleanupCtx = workflow.WithActivityOptions(cleanupCtx, standardActivityOptions())
		logger.Warn("Workflow did not complete successfully, marking record as failed", "recordID", param.RecordID)
		if err := workflow.ExecuteActivity(cleanupCtx, w.FailProcessingActivity, &FailProcessingActivityParam{
			RecordID: param.RecordID,
			RunID:    workflowID,
			Message:  failure,
		}).Get(cleanupCtx, nil); err != nil {
			logger.Error("Failed to mark record as failed", "recordID", param.RecordID, "error", err)
		}
	}()

	handleError := func(stage string, err error) error {
		logger.Error("Failed at stage", "stage", stage, "recordID", param.RecordID, "error", err)
		_, msg := activityFailure(err)
		failure = fmt.Sprintf("%s: %s", stage, msg)
		return errorsx.AddMessage(
			fmt.Errorf("%s: %w", stage, err),
			fmt.Sprintf("Record %d processing failed at %s stage. %s", param.RecordID, stage, msg),
		)
	}

	ctx = workflow.WithActivityOptions(ctx, standardActivityOptions())

	if err := workflow.ExecuteActivity(ctx, w.StartProcessingActivity, &StartProcessingActivityParam{
		RecordID:      param.RecordID,
		UserID:        param.UserID,
		RunID:         workflowID,
		Recipient:     param.Recipient,
		CreateReports: param.CreateReports,
	}).Get(ctx, nil); err != nil {
		return handleError("start processing", err)
	}

	// Files are extracted concurrently on the extraction tier.
	futures := make([]workflow.ChildWorkflowFuture, len(param.Files))
	for i, f := range param.Files {
		childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: fmt.Sprintf("%s-file-%d", workflowID, i),
			TaskQueue:  constant.ExtractionQueue,
		})
		futures[i] = workflow.ExecuteChildWorkflow(childCtx, w.ExtractFileWorkflow, ExtractFileWorkflowParam{
			RecordID: param.RecordID,
			File:     f,
		})
	}

	var results []extract.Result
	for i, future := range futures {
		var fileResults []extract.Result
		if err := future.Get(ctx, &fileResults); err != nil {
			return handleError(fmt.Sprintf("extract %s", param.Files[i].Filename), err)
		}
		results = append(results, fileResults...)
	}

	var combined CombineActivityResult
	if err := workflow.ExecuteActivity(ctx, w.CombineActivity, &CombineActivityParam{
		RecordID: param.RecordID,
		BatchID:  workflowID,
		Files:    param.Files,
		Results:  results,
	}).Get(ctx, &combined); err != nil {
		return handleError("combine extractions", err)
	}
	logger.Info("Combined extractions", "recordID", param.RecordID, "tokenCount", combined.TokenCount)

	refineCtx := workflow.WithActivityOptions(ctx, w.modelActivityOptions(constant.RefinementQueue))
	if err := workflow.ExecuteActivity(refineCtx, w.InferEraActivity, &RecordActivityParam{
		RecordID: param.RecordID,
	}).Get(ctx, nil); err != nil {
		return handleError("infer treatment period", err)
	}

	// Codes are auxiliary; the record is usable without them.
	codesExtracted := true
	if err := workflow.ExecuteActivity(refineCtx, w.ExtractCodesActivity, &RecordActivityParam{
		RecordID: param.RecordID,
	}).Get(ctx, nil); err != nil {
		codesExtracted = false
		logger.Warn("Medical code extraction failed", "recordID", param.RecordID, "error", err)
	}

	if codesExtracted {
		enrichCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:        fmt.Sprintf("%s-enrich-codes", workflowID),
			TaskQueue:         constant.CodesQueue,
			ParentClosePolicy: enums.PARENT_CLOSE_POLICY_ABANDON,
		})
		enrich := workflow.ExecuteChildWorkflow(enrichCtx, w.EnrichCodesWorkflow, RecordActivityParam{RecordID: param.RecordID})
		if err := enrich.GetChildWorkflowExecution().Get(ctx, nil); err != nil && !isAlreadyStarted(err) {
			logger.Warn("Failed to start code enrichment", "recordID", param.RecordID, "error", err)
		}
	}

	if param.CreateReports {
		reportsCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID: fmt.Sprintf("%s-reports", workflowID),
			TaskQueue:  constant.SummaryQueue,
		})
		if err := workflow.ExecuteChildWorkflow(reportsCtx, w.CreateReportsWorkflow, service.CreateReportsWorkflowParam{
			RecordID: param.RecordID,
			UserID:   param.UserID,
		}).Get(ctx, nil); err != nil {
			return handleError("create reports", err)
		}
	}

	if err := workflow.ExecuteActivity(ctx, w.CompleteProcessingActivity, &CompleteProcessingActivityParam{
		RecordID: param.RecordID,
		RunID:    workflowID,
	}).Get(ctx, nil); err != nil {
		return handleError("complete processing", err)
	}

	completed = true
	logger.Info("ProcessUploadWorkflow completed", "recordID", param.RecordID)
	return nil
}

// EnrichCodesWorkflow fills in the missing descriptions of a record's
// medical codes. It runs detached from the upload that started it.
func (w *Worker) EnrichCodesWorkflow(ctx workflow.Context, param RecordActivityParam) error {
	opts := standardActivityOptions()
	opts.StartToCloseTimeout = ActivityTimeoutStandard * 6
	ctx = workflow.WithActivityOptions(ctx, opts)
	return workflow.ExecuteActivity(ctx, w.EnrichCodesActivity, &param).Get(ctx, nil)
}
