package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/types"
)

const (
	// TaskLedgerTableName is the table name for task ledger entries
	TaskLedgerTableName = "task_ledger"
)

// TaskLedger holds the persistence operations on the task ledger. Rows are
// only ever inserted or moved forward; a terminal row is never changed.
type TaskLedger interface {
	// StartTask writes a started entry for the task instance. If the
	// instance already has a non-terminal entry, it is moved back to started
	// with the new retry count.
	StartTask(ctx context.Context, entry TaskLedgerModel) error
	// RetryTask records a failed attempt that will be retried.
	RetryTask(ctx context.Context, instanceID string, retryCount int, errType, errMsg string) error
	// FinishTask writes the terminal entry of the task instance. It returns
	// false if the instance was terminal already.
	FinishTask(ctx context.Context, instanceID string, result TaskResult) (bool, error)
	// ListRecentTasks returns the latest entries of a record, newest first.
	ListRecentTasks(ctx context.Context, recordID types.RecordIDType, limit int) ([]TaskLedgerModel, error)
	// FailDanglingTasks moves every non-terminal entry of the record to
	// failed.
	FailDanglingTasks(ctx context.Context, recordID types.RecordIDType, errType, errMsg string) (int64, error)
}

// TaskLedgerModel is one task instance in the ledger.
type TaskLedgerModel struct {
	ID             uint               `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID       types.RecordIDType `gorm:"column:record_id;not null;index" json:"record_id"`
	TaskName       string             `gorm:"column:task_name;size:128;not null" json:"task_name"`
	TaskInstanceID string             `gorm:"column:task_instance_id;size:512;not null;uniqueIndex" json:"task_instance_id"`
	Status         types.TaskStatus   `gorm:"column:status;size:16;not null" json:"status"`
	ErrorType      string             `gorm:"column:error_type;size:128" json:"error_type"`
	ErrorMessage   string             `gorm:"column:error_message;type:text" json:"error_message"`
	RetryCount     int                `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	// Metadata holds the full error and any stage-specific figures.
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`

	StartedAt   time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at"`
	// DurationMS is set together with CompletedAt.
	DurationMS *int64 `gorm:"column:duration_ms" json:"duration_ms"`

	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
}

// TableName overrides the default table name for GORM
func (TaskLedgerModel) TableName() string {
	return TaskLedgerTableName
}

// Duration returns the task duration, or zero while it runs.
func (m *TaskLedgerModel) Duration() time.Duration {
	if m.DurationMS == nil {
		return 0
	}
	return time.Duration(*m.DurationMS) * time.Millisecond
}

// TaskLedgerColumns is the columns for the task ledger table
type TaskLedgerColumns struct {
	ID             string
	RecordID       string
	TaskName       string
	TaskInstanceID string
	Status         string
	ErrorType      string
	ErrorMessage   string
	RetryCount     string
	Metadata       string
	StartedAt      string
	CompletedAt    string
	DurationMS     string
}

// TaskLedgerColumn holds the column names of the task ledger table.
var TaskLedgerColumn = TaskLedgerColumns{
	ID:             "id",
	RecordID:       "record_id",
	TaskName:       "task_name",
	TaskInstanceID: "task_instance_id",
	Status:         "status",
	ErrorType:      "error_type",
	ErrorMessage:   "error_message",
	RetryCount:     "retry_count",
	Metadata:       "metadata",
	StartedAt:      "started_at",
	CompletedAt:    "completed_at",
	DurationMS:     "duration_ms",
}

// TaskResult is the terminal outcome of a task instance.
type TaskResult struct {
	Status       types.TaskStatus
	RetryCount   int
	ErrorType    string
	ErrorMessage string
	Metadata     datatypes.JSON
	CompletedAt  time.Time
}

var nonTerminalStatuses = []types.TaskStatus{types.TaskStatusStarted, types.TaskStatusRetry}

// StartTask inserts the started entry, or re-arms a non-terminal one.
func (r *repository) StartTask(ctx context.Context, entry TaskLedgerModel) error {
	if entry.TaskInstanceID == "" || entry.TaskName == "" {
		return fmt.Errorf("task name and instance id are required")
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}
	entry.Status = types.TaskStatusStarted

	return r.transaction(ctx, func(tx *gorm.DB) error {
		var existing TaskLedgerModel
		where := fmt.Sprintf("%s = ?", TaskLedgerColumn.TaskInstanceID)
		err := tx.Where(where, entry.TaskInstanceID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&entry).Error
		case err != nil:
			return err
		case existing.Status.Terminal():
			return nil
		}

		return tx.Model(&TaskLedgerModel{}).Where(where, entry.TaskInstanceID).Updates(map[string]any{
			TaskLedgerColumn.Status:     types.TaskStatusStarted,
			TaskLedgerColumn.RetryCount: entry.RetryCount,
		}).Error
	})
}

// RetryTask moves a non-terminal entry to retry.
func (r *repository) RetryTask(ctx context.Context, instanceID string, retryCount int, errType, errMsg string) error {
	where := fmt.Sprintf("%s = ? AND %s IN ?", TaskLedgerColumn.TaskInstanceID, TaskLedgerColumn.Status)
	return r.db.WithContext(ctx).Model(&TaskLedgerModel{}).
		Where(where, instanceID, nonTerminalStatuses).
		Updates(map[string]any{
			TaskLedgerColumn.Status:       types.TaskStatusRetry,
			TaskLedgerColumn.RetryCount:   retryCount,
			TaskLedgerColumn.ErrorType:    errType,
			TaskLedgerColumn.ErrorMessage: errMsg,
		}).Error
}

// FinishTask performs the single started-to-terminal transition.
func (r *repository) FinishTask(ctx context.Context, instanceID string, result TaskResult) (bool, error) {
	if !result.Status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", result.Status)
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}

	finished := false
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var existing TaskLedgerModel
		where := fmt.Sprintf("%s = ?", TaskLedgerColumn.TaskInstanceID)
		if err := tx.Where(where, instanceID).First(&existing).Error; err != nil {
			return fmt.Errorf("fetching task %s: %w", instanceID, err)
		}
		if existing.Status.Terminal() {
			return nil
		}

		duration := result.CompletedAt.Sub(existing.StartedAt).Milliseconds()
		update := map[string]any{
			TaskLedgerColumn.Status:       result.Status,
			TaskLedgerColumn.RetryCount:   result.RetryCount,
			TaskLedgerColumn.ErrorType:    result.ErrorType,
			TaskLedgerColumn.ErrorMessage: result.ErrorMessage,
			TaskLedgerColumn.CompletedAt:  result.CompletedAt,
			TaskLedgerColumn.DurationMS:   duration,
		}
		if len(result.Metadata) > 0 {
			update[TaskLedgerColumn.Metadata] = result.Metadata
		}

		finished = true
		return tx.Model(&TaskLedgerModel{}).Where(where, instanceID).Updates(update).Error
	})
	if err != nil {
		return false, err
	}
	return finished, nil
}

// ListRecentTasks returns at most limit entries of the record.
func (r *repository) ListRecentTasks(ctx context.Context, recordID types.RecordIDType, limit int) ([]TaskLedgerModel, error) {
	var entries []TaskLedgerModel
	where := fmt.Sprintf("%s = ?", TaskLedgerColumn.RecordID)
	order := fmt.Sprintf("%s DESC, %s DESC", TaskLedgerColumn.StartedAt, TaskLedgerColumn.ID)
	q := r.db.WithContext(ctx).Where(where, recordID).Order(order)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// FailDanglingTasks closes the non-terminal entries of a record.
func (r *repository) FailDanglingTasks(ctx context.Context, recordID types.RecordIDType, errType, errMsg string) (int64, error) {
	now := time.Now().UTC()
	where := fmt.Sprintf("%s = ? AND %s IN ?", TaskLedgerColumn.RecordID, TaskLedgerColumn.Status)
	res := r.db.WithContext(ctx).Model(&TaskLedgerModel{}).
		Where(where, recordID, nonTerminalStatuses).
		Updates(map[string]any{
			TaskLedgerColumn.Status:       types.TaskStatusFailed,
			TaskLedgerColumn.ErrorType:    errType,
			TaskLedgerColumn.ErrorMessage: errMsg,
			TaskLedgerColumn.CompletedAt:  now,
		})
	return res.RowsAffected, res.Error
}
