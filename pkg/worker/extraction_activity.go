package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
	errorsx "github.com/instill-ai/x/errors"
)

// This file contains the activities of ExtractFileWorkflow:
// - RasterizeActivity - Renders the pages of an uploaded PDF into the raster cache
// - ExtractPagesActivity - Runs one extraction method over the cached pages
// - JoinExtractionsActivity - Records the terminal outcome of every method
// - RetireRasterCacheActivity - Stops offering a page set for reuse once its deletion is scheduled
// - DeleteRasterCacheActivity - Removes a page set once the grace period is over

// RasterizeActivityParam defines the parameters for the RasterizeActivity
type RasterizeActivityParam struct {
	RecordID types.RecordIDType
	Bucket   string
	Path     string
}

// RasterizeActivity renders the source document. Invalid sources fail
// without retries.
func (w *Worker) RasterizeActivity(ctx context.Context, param *RasterizeActivityParam) (*raster.Result, error) {
	w.log.Info("Rasterizing document", zap.Uint("recordID", param.RecordID), zap.String("path", param.Path))

	var res *raster.Result
	err := w.trackTask(ctx, param.RecordID, constant.TaskRasterize, "", w.pipeline.Raster.MaxRetries+1, func(ctx context.Context) (map[string]any, error) {
		var err error
		res, err = w.rasterizer.Rasterize(ctx, param.Bucket, param.Path)
		switch {
		case err == nil:
			return map[string]any{
				"handle":     res.Handle.String(),
				"page_count": res.PageCount,
				"reused":     res.Reused,
			}, nil
		case errors.Is(err, hrerrors.ErrUnsupportedFileType),
			errors.Is(err, hrerrors.ErrEmptyFile),
			errors.Is(err, object.ErrObjectNotFound):
			return nil, temporal.NewNonRetryableApplicationError(
				errorsx.MessageOrErr(err),
				extract.ErrorTypeUnsupported,
				err,
			)
		default:
			err = errorsx.AddMessage(err, "Unable to render the document pages.")
			return nil, temporal.NewApplicationErrorWithCause(
				errorsx.MessageOrErr(err),
				extract.ErrorTypeRasterize,
				err,
			)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExtractPagesActivityParam defines the parameters for the ExtractPagesActivity
type ExtractPagesActivityParam struct {
	RecordID types.RecordIDType
	Method   extract.Method
	Input    extract.Input
}

// ExtractPagesActivity runs one extraction method. A failure on the last
// attempt is returned as a structured result rather than an error, so the
// join always receives an outcome for every method. Earlier failures are
// returned as errors and retried by the activity's retry policy.
func (w *Worker) ExtractPagesActivity(ctx context.Context, param *ExtractPagesActivityParam) (*extract.Result, error) {
	logger := w.log.With(
		zap.Uint("recordID", param.RecordID),
		zap.String("method", string(param.Method)),
		zap.String("file", param.Input.Title))

	attempt := activity.GetInfo(ctx).Attempt
	task := activityTask(ctx, param.RecordID, param.Method.TaskName(), "")
	_ = w.tracker.Start(ctx, task)

	extractor, ok := w.extractors[param.Method]
	if !ok {
		err := fmt.Errorf("no extractor for method %s", param.Method)
		res := extract.FailedResult(param.Method, param.Input.Title, extract.ErrorTypeUnsupported, err)
		res.Attempts = int(attempt)
		return &res, nil
	}

	softCtx := ctx
	if limit := w.pipeline.Extraction.SoftTimeLimit; limit > 0 {
		var cancel context.CancelFunc
		softCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	start := time.Now()
	doc, err := extractor.Extract(softCtx, param.Input)
	if err == nil {
		res, err := extract.NewResult(doc)
		if err != nil {
			return nil, temporal.NewNonRetryableApplicationError(
				"Unable to encode the extracted pages.",
				extractPagesActivityError,
				err,
			)
		}
		res.Filename = param.Input.Title
		res.Attempts = int(attempt)
		res.Duration = time.Since(start)
		logger.Info("Extraction succeeded",
			zap.Int("pages", res.Quality.TotalPages),
			zap.Int("nonEmptyPages", res.Quality.NonEmptyPages))
		return &res, nil
	}

	errType := extract.ClassifyError(err)
	if softCtx.Err() != nil && ctx.Err() == nil {
		errType = extract.ErrorTypeTimeout
	}

	if errType == extract.ErrorTypeUnsupported || attempt >= w.extractionAttempts() {
		logger.Warn("Extraction failed terminally", zap.String("errorType", errType), zap.Error(err))
		res := extract.FailedResult(param.Method, param.Input.Title, errType, err)
		res.Attempts = int(attempt)
		res.Duration = time.Since(start)
		if doc != nil {
			res.Quality = extract.Quality{NonEmptyPages: doc.NonEmptyPages(), TotalPages: len(doc.Pages)}
		}
		return &res, nil
	}

	logger.Warn("Extraction attempt failed", zap.Int32("attempt", attempt), zap.String("errorType", errType), zap.Error(err))
	_ = w.tracker.Retry(ctx, task, errType, err)
	return nil, temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), errType, err)
}

// JoinExtractionsActivityParam defines the parameters for the
// JoinExtractionsActivity
type JoinExtractionsActivityParam struct {
	RecordID types.RecordIDType
	Filename string
	Results  []extract.Result
}

// JoinExtractionsActivity runs once every method of a file is terminal and
// writes the terminal ledger entry of each, in display order.
func (w *Worker) JoinExtractionsActivity(ctx context.Context, param *JoinExtractionsActivityParam) error {
	workflowID := activity.GetInfo(ctx).WorkflowExecution.ID

	results := append([]extract.Result(nil), param.Results...)
	extract.OrderResults(results)

	succeeded := 0
	for _, r := range results {
		name := r.Method.TaskName()
		task := ledger.Task{
			RecordID:   param.RecordID,
			Name:       name,
			InstanceID: instanceID(workflowID, name, ""),
			RetryCount: max(r.Attempts-1, 0),
		}
		// A method that never ran, e.g. after a rasterization failure, has
		// no entry yet.
		if err := w.tracker.Start(ctx, task); err != nil {
			return temporal.NewApplicationErrorWithCause("Unable to record the extraction outcome.", joinExtractionsActivityError, err)
		}

		metadata := map[string]any{
			"filename":        param.Filename,
			"non_empty_pages": r.Quality.NonEmptyPages,
			"total_pages":     r.Quality.TotalPages,
			"duration_s":      r.Duration.Seconds(),
		}
		var err error
		if r.Succeeded() {
			succeeded++
			err = w.tracker.Succeed(ctx, task, metadata)
		} else {
			errType, msg := extract.ErrorTypeBackend, "The extraction produced no content."
			if r.Error != nil {
				errType, msg = r.Error.Type, r.Error.Message
			}
			err = w.tracker.Fail(ctx, task, errType, errors.New(msg), metadata)
		}
		if err != nil {
			return temporal.NewApplicationErrorWithCause("Unable to record the extraction outcome.", joinExtractionsActivityError, err)
		}
	}

	w.log.Info("Joined extraction results",
		zap.Uint("recordID", param.RecordID),
		zap.String("file", param.Filename),
		zap.Int("succeeded", succeeded),
		zap.Int("total", len(results)))
	return nil
}

// RetireRasterCacheActivity keeps a page set out of the reuse index, so a
// later run over the same source renders its own pages instead of reading a
// set whose deletion is already scheduled.
func (w *Worker) RetireRasterCacheActivity(ctx context.Context, param *DeleteRasterCacheActivityParam) error {
	if err := w.rasterCache.Retire(ctx, param.Handle); err != nil {
		err = errorsx.AddMessage(err, "Unable to update the page cache index.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), retireRasterCacheActivityError, err)
	}
	return nil
}

// DeleteRasterCacheActivityParam defines the parameters for the
// DeleteRasterCacheActivity
type DeleteRasterCacheActivityParam struct {
	Handle types.RasterHandleType
}

// DeleteRasterCacheActivity removes the pages and the index entry of a
// raster handle.
func (w *Worker) DeleteRasterCacheActivity(ctx context.Context, param *DeleteRasterCacheActivityParam) error {
	deleted, err := w.rasterCache.Delete(ctx, param.Handle)
	if err != nil {
		err = errorsx.AddMessage(err, "Unable to delete the cached pages.")
		return temporal.NewApplicationErrorWithCause(errorsx.MessageOrErr(err), deleteRasterCacheActivityError, err)
	}
	w.log.Info("Deleted cached pages", zap.String("handle", param.Handle.String()), zap.Int("pages", deleted))
	return nil
}
