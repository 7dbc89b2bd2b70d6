package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// TaskMonitorTableName is the table name for task monitors
	TaskMonitorTableName = "task_monitor"
)

// TaskMonitor holds the persistence operations on processing monitors, which
// drive the completion notifications.
type TaskMonitor interface {
	StartMonitor(ctx context.Context, m TaskMonitorModel) error
	FinishMonitor(ctx context.Context, runID string, succeeded bool) error
	ListUnnotifiedMonitors(ctx context.Context, limit int) ([]TaskMonitorModel, error)
	MarkNotificationSent(ctx context.Context, id uint) error
}

// TaskMonitorModel tracks one processing run of a record.
type TaskMonitorModel struct {
	ID       uint               `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID types.RecordIDType `gorm:"column:record_id;not null;index" json:"record_id"`
	UserID   types.UserIDType   `gorm:"column:user_id;not null" json:"user_id"`
	// RunID identifies the processing run, i.e. the workflow ID.
	RunID            string     `gorm:"column:run_id;size:255;not null;uniqueIndex" json:"run_id"`
	Recipient        string     `gorm:"column:recipient;size:255" json:"recipient"`
	StartDate        time.Time  `gorm:"column:start_date;not null" json:"start_date"`
	EndDate          *time.Time `gorm:"column:end_date" json:"end_date"`
	Succeeded        bool       `gorm:"column:succeeded;not null;default:false" json:"succeeded"`
	NotificationSent bool       `gorm:"column:notification_sent;not null;default:false" json:"notification_sent"`
}

// TableName overrides the default table name for GORM
func (TaskMonitorModel) TableName() string {
	return TaskMonitorTableName
}

// TaskMonitorColumns is the columns for the task monitor table
type TaskMonitorColumns struct {
	ID               string
	RecordID         string
	RunID            string
	StartDate        string
	EndDate          string
	Succeeded        string
	NotificationSent string
}

// TaskMonitorColumn holds the column names of the task monitor table.
var TaskMonitorColumn = TaskMonitorColumns{
	ID:               "id",
	RecordID:         "record_id",
	RunID:            "run_id",
	StartDate:        "start_date",
	EndDate:          "end_date",
	Succeeded:        "succeeded",
	NotificationSent: "notification_sent",
}

// StartMonitor inserts the monitor of a run. Starting the same run twice is
// a no-op.
func (r *repository) StartMonitor(ctx context.Context, m TaskMonitorModel) error {
	if m.RunID == "" {
		return fmt.Errorf("run id is required: %w", errorsx.ErrInvalidArgument)
	}
	if m.StartDate.IsZero() {
		m.StartDate = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: TaskMonitorColumn.RunID}},
		DoNothing: true,
	}).Create(&m).Error
}

// FinishMonitor stamps the end date of a run.
func (r *repository) FinishMonitor(ctx context.Context, runID string, succeeded bool) error {
	where := fmt.Sprintf("%s = ? AND %s IS NULL", TaskMonitorColumn.RunID, TaskMonitorColumn.EndDate)
	return r.db.WithContext(ctx).Model(&TaskMonitorModel{}).Where(where, runID).Updates(map[string]any{
		TaskMonitorColumn.EndDate:   time.Now().UTC(),
		TaskMonitorColumn.Succeeded: succeeded,
	}).Error
}

// ListUnnotifiedMonitors returns finished runs whose notification is still
// outstanding, oldest first.
func (r *repository) ListUnnotifiedMonitors(ctx context.Context, limit int) ([]TaskMonitorModel, error) {
	var ms []TaskMonitorModel
	where := fmt.Sprintf("%s IS NOT NULL AND %s = ?", TaskMonitorColumn.EndDate, TaskMonitorColumn.NotificationSent)
	q := r.db.WithContext(ctx).Where(where, false).Order(TaskMonitorColumn.EndDate)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&ms).Error; err != nil {
		return nil, err
	}
	return ms, nil
}

// MarkNotificationSent flags the monitor as notified.
func (r *repository) MarkNotificationSent(ctx context.Context, id uint) error {
	where := fmt.Sprintf("%s = ?", TaskMonitorColumn.ID)
	res := r.db.WithContext(ctx).Model(&TaskMonitorModel{}).Where(where, id).Update(TaskMonitorColumn.NotificationSent, true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task monitor %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}
