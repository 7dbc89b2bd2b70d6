package worker

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/instill-ai/healthrecord-backend/pkg/extract"
)

// Activity error types, used as the type of the application errors the
// activities return.
const (
	rasterizeActivityError          = "RasterizeActivity"
	extractPagesActivityError       = "ExtractPagesActivity"
	joinExtractionsActivityError    = "JoinExtractionsActivity"
	retireRasterCacheActivityError  = "RetireRasterCacheActivity"
	deleteRasterCacheActivityError  = "DeleteRasterCacheActivity"
	startProcessingActivityError    = "StartProcessingActivity"
	combineActivityError            = "CombineActivity"
	inferEraActivityError           = "InferEraActivity"
	extractCodesActivityError       = "ExtractCodesActivity"
	enrichCodesActivityError        = "EnrichCodesActivity"
	completeProcessingActivityError = "CompleteProcessingActivity"
	failProcessingActivityError     = "FailProcessingActivity"
	prepareReportsActivityError     = "PrepareReportsActivity"
	generateReportActivityError     = "GenerateReportActivity"
	failReportActivityError         = "FailReportActivity"
	sendNotificationsActivityError  = "SendNotificationsActivity"
	findPendingReportsActivityError = "FindPendingReportsActivity"
)

// interruptedErrorType names, in the ledger, tasks closed on behalf of an
// activity that never reported back.
const interruptedErrorType = "Interrupted"

// reportActivityAttempts bounds the attempts of a report generation. Each
// attempt already retries the model calls of every year.
const reportActivityAttempts = 3

// standardActivityOptions are used by bookkeeping activities.
func standardActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: ActivityTimeoutStandard,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    RetryMaximumAttempts,
		},
	}
}

// modelActivityOptions are used by activities that call a language model
// once per attempt.
func (w *Worker) modelActivityOptions(queue string) workflow.ActivityOptions {
	opts := standardActivityOptions()
	opts.TaskQueue = queue
	if w.pipeline.Extraction.HardTimeLimit > 0 {
		opts.StartToCloseTimeout = w.pipeline.Extraction.HardTimeLimit
	}
	return opts
}

func (w *Worker) rasterActivityOptions() workflow.ActivityOptions {
	opts := standardActivityOptions()
	opts.RetryPolicy = &temporal.RetryPolicy{
		InitialInterval:    w.pipeline.Raster.RetryBackoff,
		BackoffCoefficient: 1.0,
		MaximumAttempts:    w.pipeline.Raster.MaxRetries + 1,
	}
	if opts.RetryPolicy.InitialInterval <= 0 {
		opts.RetryPolicy.InitialInterval = RetryInitialInterval
	}
	return opts
}

// extractionActivityOptions returns the options of one extraction method.
// Vision methods back off longer between attempts.
func (w *Worker) extractionActivityOptions(m extract.Method) workflow.ActivityOptions {
	initial := 10 * time.Second
	if backoff, ok := w.pipeline.Extraction.VisionBackoffs[string(m)]; ok && backoff > 0 {
		initial = backoff
	}
	timeout := w.pipeline.Extraction.HardTimeLimit
	if timeout <= 0 {
		timeout = ActivityTimeoutStandard
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    initial,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * initial,
			MaximumAttempts:    w.extractionAttempts(),
		},
	}
}

func (w *Worker) extractionAttempts() int32 {
	if w.pipeline.Extraction.MaxAttempts <= 0 {
		return 1
	}
	return w.pipeline.Extraction.MaxAttempts
}

func (w *Worker) reportActivityOptions() workflow.ActivityOptions {
	timeout := w.pipeline.Report.HardTimeLimit
	if timeout <= 0 {
		timeout = ActivityTimeoutStandard
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    RetryInitialInterval,
			BackoffCoefficient: RetryBackoffCoefficient,
			MaximumInterval:    RetryMaximumInterval,
			MaximumAttempts:    reportActivityAttempts,
		},
	}
}

// activityFailure unwraps the failure an activity returned to its workflow
// into an error type and a message.
func activityFailure(err error) (string, string) {
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return extract.ErrorTypeTimeout, "The extraction exceeded its time limit."
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Type(), appErr.Message()
	}
	return extract.ErrorTypeBackend, err.Error()
}

// isAlreadyStarted reports whether starting a child workflow failed because
// a run with the same ID is open.
func isAlreadyStarted(err error) bool {
	var startedErr *temporal.ChildWorkflowExecutionAlreadyStartedError
	return errors.As(err, &startedErr)
}
