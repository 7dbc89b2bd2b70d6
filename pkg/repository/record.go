package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// RecordTableName is the table name for patient records
	RecordTableName = "record"
)

// Record holds the persistence operations on patient records.
type Record interface {
	CreateRecord(ctx context.Context, rec RecordModel) (*RecordModel, error)
	GetRecord(ctx context.Context, id types.RecordIDType) (*RecordModel, error)
	UpdateRecord(ctx context.Context, id types.RecordIDType, update map[string]any) error
	// AppendExtraction folds the combined text of an upload batch into the
	// record. Applying the same batch twice is a no-op.
	AppendExtraction(ctx context.Context, id types.RecordIDType, batch ExtractionBatch) (*RecordModel, error)
	SetRecordHistoryRange(ctx context.Context, id types.RecordIDType, patientName string, r types.DateRange) error
	SetProcessingStatus(ctx context.Context, id types.RecordIDType, status types.ProcessingStatus, errMsg string) error
	ListRecordsWithPendingReports(ctx context.Context, olderThan time.Time) ([]RecordModel, error)
	DeleteRecord(ctx context.Context, id types.RecordIDType) error
}

// RecordModel is a patient record: the accumulated text of every uploaded
// document plus the derived medical-history range.
type RecordModel struct {
	ID     types.RecordIDType `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID types.UserIDType   `gorm:"column:user_id;not null;index" json:"user_id"`

	Text        EncryptedString `gorm:"column:text;type:text" json:"-"`
	PatientName EncryptedString `gorm:"column:patient_name;type:text" json:"-"`
	// Filenames is a comma-separated list of every file folded into Text.
	Filenames  string `gorm:"column:filenames;type:text" json:"filenames"`
	TokenCount int    `gorm:"column:token_count;not null;default:0" json:"token_count"`
	// LastBatchID is the identifier of the last upload batch appended to Text.
	LastBatchID string `gorm:"column:last_batch_id;size:255" json:"last_batch_id"`

	MedicalHistoryBegin *time.Time `gorm:"column:medical_history_begin" json:"medical_history_begin"`
	MedicalHistoryEnd   *time.Time `gorm:"column:medical_history_end" json:"medical_history_end"`

	CreateReports      bool            `gorm:"column:create_reports;not null;default:false" json:"create_reports"`
	CustomInstructions EncryptedString `gorm:"column:custom_instructions;type:text" json:"-"`
	ExpirationDate     *time.Time      `gorm:"column:expiration_date" json:"expiration_date"`

	ProcessingStatus       types.ProcessingStatus `gorm:"column:processing_status;size:32;not null;default:'pending'" json:"processing_status"`
	ProcessingStartedAt    *time.Time             `gorm:"column:processing_started_at" json:"processing_started_at"`
	ProcessingCompletedAt  *time.Time             `gorm:"column:processing_completed_at" json:"processing_completed_at"`
	ProcessingErrorMessage string                 `gorm:"column:processing_error_message;type:text" json:"processing_error_message"`

	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (RecordModel) TableName() string {
	return RecordTableName
}

// HistoryRange returns the record's medical-history range, or a zero range
// if it hasn't been inferred yet.
func (r *RecordModel) HistoryRange() types.DateRange {
	if r.MedicalHistoryBegin == nil || r.MedicalHistoryEnd == nil {
		return types.DateRange{}
	}
	return types.DateRange{Begin: *r.MedicalHistoryBegin, End: *r.MedicalHistoryEnd}
}

// RecordColumns is the columns for the record table
type RecordColumns struct {
	ID                     string
	UserID                 string
	Text                   string
	PatientName            string
	Filenames              string
	TokenCount             string
	LastBatchID            string
	MedicalHistoryBegin    string
	MedicalHistoryEnd      string
	CreateReports          string
	ExpirationDate         string
	ProcessingStatus       string
	ProcessingStartedAt    string
	ProcessingCompletedAt  string
	ProcessingErrorMessage string
	CreateTime             string
	UpdateTime             string
}

// RecordColumn holds the column names of the record table.
var RecordColumn = RecordColumns{
	ID:                     "id",
	UserID:                 "user_id",
	Text:                   "text",
	PatientName:            "patient_name",
	Filenames:              "filenames",
	TokenCount:             "token_count",
	LastBatchID:            "last_batch_id",
	MedicalHistoryBegin:    "medical_history_begin",
	MedicalHistoryEnd:      "medical_history_end",
	CreateReports:          "create_reports",
	ExpirationDate:         "expiration_date",
	ProcessingStatus:       "processing_status",
	ProcessingStartedAt:    "processing_started_at",
	ProcessingCompletedAt:  "processing_completed_at",
	ProcessingErrorMessage: "processing_error_message",
	CreateTime:             "create_time",
	UpdateTime:             "update_time",
}

// ExtractionBatch is the combined output of one upload.
type ExtractionBatch struct {
	// BatchID identifies the upload, e.g. the workflow ID that produced it.
	BatchID   string
	Text      string
	Filenames []string
	// TokenCounter computes the token count of the record's full text after
	// the batch was appended.
	TokenCounter func(string) int
}

// CreateRecord inserts a new record.
func (r *repository) CreateRecord(ctx context.Context, rec RecordModel) (*RecordModel, error) {
	if rec.UserID == 0 {
		return nil, fmt.Errorf("user_id is required: %w", errorsx.ErrInvalidArgument)
	}
	if rec.ProcessingStatus == "" {
		rec.ProcessingStatus = types.ProcessingStatusPending
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord fetches a record by ID.
func (r *repository) GetRecord(ctx context.Context, id types.RecordIDType) (*RecordModel, error) {
	var rec RecordModel
	where := fmt.Sprintf("%s = ?", RecordColumn.ID)
	if err := r.db.WithContext(ctx).Where(where, id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("record %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// UpdateRecord updates the given columns of a record.
func (r *repository) UpdateRecord(ctx context.Context, id types.RecordIDType, update map[string]any) error {
	where := fmt.Sprintf("%s = ?", RecordColumn.ID)
	res := r.db.WithContext(ctx).Model(&RecordModel{}).Where(where, id).Updates(update)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}

// AppendExtraction appends the batch text to the record. Existing text is
// separated from the new text by a blank line and filenames are
// comma-joined. The token count is recomputed from the full text.
func (r *repository) AppendExtraction(ctx context.Context, id types.RecordIDType, batch ExtractionBatch) (*RecordModel, error) {
	if batch.BatchID == "" {
		return nil, fmt.Errorf("batch id is required: %w", errorsx.ErrInvalidArgument)
	}

	var rec RecordModel
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		where := fmt.Sprintf("%s = ?", RecordColumn.ID)
		if err := tx.Where(where, id).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("record %d: %w", id, errorsx.ErrNotFound)
			}
			return err
		}

		if rec.LastBatchID == batch.BatchID {
			return nil
		}

		text := batch.Text
		if existing := rec.Text.String(); existing != "" {
			text = existing + "\n\n" + batch.Text
		}

		names := make([]string, 0, len(batch.Filenames)+1)
		if rec.Filenames != "" {
			names = append(names, rec.Filenames)
		}
		names = append(names, batch.Filenames...)

		tokens := 0
		if batch.TokenCounter != nil {
			tokens = batch.TokenCounter(text)
		}

		rec.Text = EncryptedString(text)
		rec.Filenames = strings.Join(names, ",")
		rec.TokenCount = tokens
		rec.LastBatchID = batch.BatchID

		return tx.Model(&RecordModel{}).Where(where, id).Updates(map[string]any{
			RecordColumn.Text:        rec.Text,
			RecordColumn.Filenames:   rec.Filenames,
			RecordColumn.TokenCount:  rec.TokenCount,
			RecordColumn.LastBatchID: rec.LastBatchID,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetRecordHistoryRange stores the inferred medical-history range and
// patient name.
func (r *repository) SetRecordHistoryRange(ctx context.Context, id types.RecordIDType, patientName string, dr types.DateRange) error {
	update := map[string]any{
		RecordColumn.MedicalHistoryBegin: dr.Begin,
		RecordColumn.MedicalHistoryEnd:   dr.End,
	}
	if patientName != "" {
		update[RecordColumn.PatientName] = EncryptedString(patientName)
	}
	return r.UpdateRecord(ctx, id, update)
}

// SetProcessingStatus moves a record to the given processing status and
// stamps the matching timestamp.
func (r *repository) SetProcessingStatus(ctx context.Context, id types.RecordIDType, status types.ProcessingStatus, errMsg string) error {
	now := time.Now().UTC()
	update := map[string]any{
		RecordColumn.ProcessingStatus: status,
	}

	switch status {
	case types.ProcessingStatusProcessing:
		update[RecordColumn.ProcessingStartedAt] = now
		update[RecordColumn.ProcessingCompletedAt] = nil
		update[RecordColumn.ProcessingErrorMessage] = ""
	case types.ProcessingStatusCompleted:
		update[RecordColumn.ProcessingCompletedAt] = now
		update[RecordColumn.ProcessingErrorMessage] = ""
	case types.ProcessingStatusFailed:
		update[RecordColumn.ProcessingCompletedAt] = now
		update[RecordColumn.ProcessingErrorMessage] = errMsg
	}

	return r.UpdateRecord(ctx, id, update)
}

// ListRecordsWithPendingReports returns the records that requested reports
// and finished processing before olderThan, but have no reports yet or have
// reports that are not completed.
func (r *repository) ListRecordsWithPendingReports(ctx context.Context, olderThan time.Time) ([]RecordModel, error) {
	var recs []RecordModel

	pending := r.db.Model(&ReportModel{}).
		Select(ReportColumn.RecordID).
		Where(fmt.Sprintf("%s <> ?", ReportColumn.GenerationStatus), types.GenerationStatusCompleted)
	withReports := r.db.Model(&ReportModel{}).Select(ReportColumn.RecordID)

	err := r.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", RecordColumn.CreateReports), true).
		Where(fmt.Sprintf("%s = ?", RecordColumn.ProcessingStatus), types.ProcessingStatusCompleted).
		Where(fmt.Sprintf("%s < ?", RecordColumn.ProcessingCompletedAt), olderThan).
		Where(
			r.db.Where(fmt.Sprintf("%s IN (?)", RecordColumn.ID), pending).
				Or(fmt.Sprintf("%s NOT IN (?)", RecordColumn.ID), withReports),
		).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeleteRecord deletes a record together with its medical codes, reports,
// task ledger entries and task monitor.
func (r *repository) DeleteRecord(ctx context.Context, id types.RecordIDType) error {
	return r.transaction(ctx, func(tx *gorm.DB) error {
		for _, m := range []any{&MedicalCodeModel{}, &ReportModel{}, &TaskLedgerModel{}, &TaskMonitorModel{}} {
			if err := tx.Where("record_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}

		where := fmt.Sprintf("%s = ?", RecordColumn.ID)
		res := tx.Where(where, id).Delete(&RecordModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("record %d: %w", id, errorsx.ErrNotFound)
		}
		return nil
	})
}
