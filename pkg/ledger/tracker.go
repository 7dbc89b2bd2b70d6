package ledger

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/types"

	hrerrors "github.com/instill-ai/healthrecord-backend/pkg/errors"
)

// Task identifies one task instance of a record.
type Task struct {
	RecordID   types.RecordIDType
	Name       string
	InstanceID string
	// RetryCount is the number of previous attempts.
	RetryCount int
}

// Tracker writes task transitions to the ledger. Ledger writes never fail
// the task they describe: errors are logged and returned for the caller to
// decide.
type Tracker struct {
	ledger repository.TaskLedger
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker returns a tracker writing to ledger.
func NewTracker(ledger repository.TaskLedger, logger *zap.Logger) *Tracker {
	return &Tracker{ledger: ledger, logger: logger, now: time.Now}
}

func (t *Tracker) log(task Task) *zap.Logger {
	return t.logger.With(
		zap.Uint("recordID", task.RecordID),
		zap.String("task", task.Name),
		zap.String("instanceID", task.InstanceID),
		zap.Int("retryCount", task.RetryCount))
}

// Start writes the started entry. A retried instance is re-armed.
func (t *Tracker) Start(ctx context.Context, task Task) error {
	err := t.ledger.StartTask(ctx, repository.TaskLedgerModel{
		RecordID:       task.RecordID,
		TaskName:       task.Name,
		TaskInstanceID: task.InstanceID,
		RetryCount:     task.RetryCount,
		StartedAt:      t.now().UTC(),
	})
	if err != nil {
		t.log(task).Error("Failed to record task start", zap.Error(err))
	}
	return err
}

// Retry records a failed attempt that will be retried.
func (t *Tracker) Retry(ctx context.Context, task Task, errType string, cause error) error {
	err := t.ledger.RetryTask(ctx, task.InstanceID, task.RetryCount, errType, hrerrors.UserMessage(cause))
	if err != nil {
		t.log(task).Error("Failed to record task retry", zap.Error(err))
	}
	return err
}

// Succeed writes the success entry. metadata may be nil.
func (t *Tracker) Succeed(ctx context.Context, task Task, metadata map[string]any) error {
	return t.finish(ctx, task, repository.TaskResult{
		Status:     types.TaskStatusSuccess,
		RetryCount: task.RetryCount,
		Metadata:   encodeMetadata(metadata, nil),
	})
}

// Fail writes the failure entry. The stored message is truncated; the
// full error goes to the metadata.
func (t *Tracker) Fail(ctx context.Context, task Task, errType string, cause error, metadata map[string]any) error {
	return t.finish(ctx, task, repository.TaskResult{
		Status:       types.TaskStatusFailed,
		RetryCount:   task.RetryCount,
		ErrorType:    errType,
		ErrorMessage: hrerrors.UserMessage(cause),
		Metadata:     encodeMetadata(metadata, cause),
	})
}

func (t *Tracker) finish(ctx context.Context, task Task, res repository.TaskResult) error {
	res.CompletedAt = t.now().UTC()
	finished, err := t.ledger.FinishTask(ctx, task.InstanceID, res)
	if err != nil {
		t.log(task).Error("Failed to record task end", zap.String("status", string(res.Status)), zap.Error(err))
		return err
	}
	if !finished {
		t.log(task).Debug("Task was already terminal")
	}
	return nil
}

func encodeMetadata(metadata map[string]any, cause error) datatypes.JSON {
	if metadata == nil && cause == nil {
		return nil
	}
	m := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}
	if cause != nil {
		m["error"] = cause.Error()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
