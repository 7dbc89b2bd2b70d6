package worker

import (
	"fmt"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/service"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// ExtractFileWorkflowParam defines the parameters for ExtractFileWorkflow
type ExtractFileWorkflowParam struct {
	RecordID types.RecordIDType
	File     service.UploadedFile
}

// ExtractFileWorkflow extracts the text of one uploaded document:
//  1. Rasterize the PDF into the raster cache.
//  2. Run every extraction method concurrently over the cached pages.
//  3. Join once every method is terminal, whatever its outcome.
//  4. Hand the page set to a delayed cleanup that outlives this workflow.
//
// It returns one result per method. Failed methods are carried as
// structured failures, never as a workflow error.
func (w *Worker) ExtractFileWorkflow(ctx workflow.Context, param ExtractFileWorkflowParam) ([]extract.Result, error) {
	logger := workflow.GetLogger(ctx)
	filename := param.File.Filename
	bucket := param.File.Bucket
	if bucket == "" {
		bucket = w.uploadBucket
	}
	logger.Info("Starting ExtractFileWorkflow", "recordID", param.RecordID, "file", filename)

	var rasterized raster.Result
	rasterCtx := workflow.WithActivityOptions(ctx, w.rasterActivityOptions())
	rasterErr := workflow.ExecuteActivity(rasterCtx, w.RasterizeActivity, &RasterizeActivityParam{
		RecordID: param.RecordID,
		Bucket:   bucket,
		Path:     param.File.Path,
	}).Get(ctx, &rasterized)

	results := make([]extract.Result, 0, len(extract.Methods))
	if rasterErr != nil {
		errType, msg := activityFailure(rasterErr)
		if errType != extract.ErrorTypeUnsupported {
			errType = extract.ErrorTypeRasterize
		}
		logger.Error("Rasterization failed, no method can run", "file", filename, "error", msg)
		for _, m := range extract.Methods {
			results = append(results, extract.Result{
				Method:   m,
				Filename: filename,
				Error:    &extract.Error{Type: errType, Message: msg},
			})
		}
	} else {
		input := extract.Input{
			Handle:       rasterized.Handle,
			PageCount:    rasterized.PageCount,
			SourceBucket: bucket,
			SourcePath:   param.File.Path,
			Title:        filename,
		}

		futures := make([]workflow.Future, len(extract.Methods))
		for i, m := range extract.Methods {
			methodCtx := workflow.WithActivityOptions(ctx, w.extractionActivityOptions(m))
			futures[i] = workflow.ExecuteActivity(methodCtx, w.ExtractPagesActivity, &ExtractPagesActivityParam{
				RecordID: param.RecordID,
				Method:   m,
				Input:    input,
			})
		}

		// Every method must be terminal before the join runs.
		for i, m := range extract.Methods {
			var r extract.Result
			if err := futures[i].Get(ctx, &r); err != nil {
				errType, msg := activityFailure(err)
				logger.Warn("Extraction method ended with an error", "method", m, "error", msg)
				r = extract.Result{
					Method:   m,
					Filename: filename,
					Error:    &extract.Error{Type: errType, Message: msg},
					Attempts: int(w.extractionAttempts()),
				}
			}
			results = append(results, r)
		}
	}

	joinCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())
	if err := workflow.ExecuteActivity(joinCtx, w.JoinExtractionsActivity, &JoinExtractionsActivityParam{
		RecordID: param.RecordID,
		Filename: filename,
		Results:  results,
	}).Get(ctx, nil); err != nil {
		return nil, fmt.Errorf("joining extractions of %s: %w", filename, err)
	}

	if rasterErr == nil {
		w.scheduleRasterCleanup(ctx, rasterized.Handle)
	}

	return results, nil
}

// RearmRasterCleanupSignal restarts the grace period of a pending page set
// deletion.
const RearmRasterCleanupSignal = "rearm-raster-cleanup"

func rasterCleanupWorkflowID(handle types.RasterHandleType) string {
	return fmt.Sprintf("raster-cleanup-%s", handle.String())
}

// scheduleRasterCleanup starts the delayed cleanup of a page set as an
// abandoned child, so the grace period doesn't hold up the caller. If a
// cleanup of the same handle is already pending, its grace period restarts
// from this join.
func (w *Worker) scheduleRasterCleanup(ctx workflow.Context, handle types.RasterHandleType) {
	logger := workflow.GetLogger(ctx)
	cleanupID := rasterCleanupWorkflowID(handle)
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
		WorkflowID:            cleanupID,
		ParentClosePolicy:     enums.PARENT_CLOSE_POLICY_ABANDON,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	})
	child := workflow.ExecuteChildWorkflow(childCtx, w.DelayedRasterCleanupWorkflow, DelayedRasterCleanupWorkflowParam{
		Handle:      handle,
		GracePeriod: w.pipeline.Raster.GracePeriod,
	})
	err := child.GetChildWorkflowExecution().Get(ctx, nil)
	switch {
	case err == nil:
	case isAlreadyStarted(err):
		logger.Info("Raster cleanup already pending, restarting its grace period", "handle", handle.String())
		if err := workflow.SignalExternalWorkflow(ctx, cleanupID, "", RearmRasterCleanupSignal, nil).Get(ctx, nil); err != nil {
			logger.Warn("Failed to re-arm raster cleanup", "handle", handle.String(), "error", err)
		}
	default:
		logger.Warn("Failed to schedule raster cleanup", "handle", handle.String(), "error", err)
	}
}

// DelayedRasterCleanupWorkflowParam defines the parameters for
// DelayedRasterCleanupWorkflow
type DelayedRasterCleanupWorkflowParam struct {
	Handle      types.RasterHandleType
	GracePeriod time.Duration
}

// DelayedRasterCleanupWorkflow retires the page set from reuse, waits for
// the grace period, then deletes it. Every RearmRasterCleanupSignal
// restarts the wait, so the pages outlive the last join that read them by
// at least the grace period. Cache entries also expire on their own, so a
// failed deletion is only logged.
func (w *Worker) DelayedRasterCleanupWorkflow(ctx workflow.Context, param DelayedRasterCleanupWorkflowParam) error {
	logger := workflow.GetLogger(ctx)
	actCtx := workflow.WithActivityOptions(ctx, standardActivityOptions())

	if err := workflow.ExecuteActivity(actCtx, w.RetireRasterCacheActivity, &DeleteRasterCacheActivityParam{
		Handle: param.Handle,
	}).Get(ctx, nil); err != nil {
		logger.Warn("Failed to retire raster cache entry", "handle", param.Handle.String(), "error", err)
	}

	rearm := workflow.GetSignalChannel(ctx, RearmRasterCleanupSignal)
	for {
		rearmed, err := waitGracePeriod(ctx, rearm, param.GracePeriod)
		if err != nil {
			return err
		}
		// Signals that arrived with the timer still count.
		for rearm.ReceiveAsync(nil) {
			rearmed = true
		}
		if !rearmed {
			break
		}
		logger.Info("Raster cleanup re-armed", "handle", param.Handle.String())
	}

	if err := workflow.ExecuteActivity(actCtx, w.DeleteRasterCacheActivity, &DeleteRasterCacheActivityParam{
		Handle: param.Handle,
	}).Get(ctx, nil); err != nil {
		logger.Warn("Raster cleanup failed, leaving the pages to expire", "handle", param.Handle.String(), "error", err)
	}
	return nil
}

// waitGracePeriod blocks until the grace period elapsed or a re-arm signal
// arrived. It reports whether it was re-armed.
func waitGracePeriod(ctx workflow.Context, rearm workflow.ReceiveChannel, grace time.Duration) (bool, error) {
	if grace <= 0 {
		return false, nil
	}

	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	var (
		rearmed  bool
		timerErr error
	)
	selector := workflow.NewSelector(ctx)
	selector.AddFuture(workflow.NewTimer(timerCtx, grace), func(f workflow.Future) {
		timerErr = f.Get(timerCtx, nil)
	})
	selector.AddReceive(rearm, func(ch workflow.ReceiveChannel, _ bool) {
		ch.Receive(ctx, nil)
		rearmed = true
	})
	selector.Select(ctx)

	if rearmed {
		return true, nil
	}
	return false, timerErr
}
