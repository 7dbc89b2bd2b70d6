package worker

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

// instanceID identifies a task instance in the ledger. Instances are scoped
// to the workflow that runs them, so a retried activity keeps its entry.
func instanceID(workflowID, name, key string) string {
	id := workflowID + "/" + name
	if key != "" {
		id += "/" + key
	}
	return id
}

// activityTask builds the ledger task of the running activity. key tells
// apart several instances of the same task in one workflow.
func activityTask(ctx context.Context, recordID types.RecordIDType, name, key string) ledger.Task {
	info := activity.GetInfo(ctx)
	return ledger.Task{
		RecordID:   recordID,
		Name:       name,
		InstanceID: instanceID(info.WorkflowExecution.ID, name, key),
		RetryCount: int(info.Attempt) - 1,
	}
}

// isFinalAttempt tells whether a failure of the running activity ends its
// retries.
func isFinalAttempt(ctx context.Context, err error, maxAttempts int32) bool {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.NonRetryable() {
		return true
	}
	return maxAttempts > 0 && activity.GetInfo(ctx).Attempt >= maxAttempts
}

// errorType names a failure in the ledger.
func errorType(err error) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return appErr.Type()
	}
	return extract.ClassifyError(err)
}

// trackTask runs fn between the started entry of a task and its terminal
// entry. A failed attempt that will be retried is recorded as retry and
// leaves the entry open. Ledger write failures don't fail the task.
func (w *Worker) trackTask(ctx context.Context, recordID types.RecordIDType, name, key string, maxAttempts int32, fn func(context.Context) (map[string]any, error)) error {
	task := activityTask(ctx, recordID, name, key)
	_ = w.tracker.Start(ctx, task)

	metadata, err := fn(ctx)
	if err == nil {
		_ = w.tracker.Succeed(ctx, task, metadata)
		return nil
	}

	if isFinalAttempt(ctx, err, maxAttempts) {
		_ = w.tracker.Fail(ctx, task, errorType(err), err, metadata)
	} else {
		_ = w.tracker.Retry(ctx, task, errorType(err), err)
	}
	return err
}
