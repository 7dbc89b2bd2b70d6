package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// ReportTableName is the table name for reports
	ReportTableName = "report"

	identifierDateLayout = "20060102"
)

// Report holds the persistence operations on reports.
type Report interface {
	// EnsureReport returns the report of the (record, template) pair,
	// creating it with a unique identifier if it doesn't exist yet.
	EnsureReport(ctx context.Context, userID types.UserIDType, recordID types.RecordIDType, templateID types.TemplateIDType) (*ReportModel, error)
	GetReport(ctx context.Context, id types.ReportIDType) (*ReportModel, error)
	ListReportsByRecord(ctx context.Context, recordID types.RecordIDType) ([]ReportModel, error)
	// MarkReportGenerating persists the generating state. It must be called
	// before the generation backend is.
	MarkReportGenerating(ctx context.Context, id types.ReportIDType) error
	CompleteReport(ctx context.Context, id types.ReportIDType, content, backend string) error
	FailReport(ctx context.Context, id types.ReportIDType, errMsg string) error
	// RefreshReportIdentifier replaces the date segment of the identifier.
	RefreshReportIdentifier(ctx context.Context, id types.ReportIDType, date time.Time) (string, error)
	// ListReportsWithoutIdentifier returns reports created before identifiers
	// were assigned.
	ListReportsWithoutIdentifier(ctx context.Context, tx *gorm.DB) ([]ReportModel, error)
	SetReportIdentifier(ctx context.Context, tx *gorm.DB, id types.ReportIDType, identifier string) error
}

// ReportModel is the generated report of one template for one record.
type ReportModel struct {
	ID         types.ReportIDType   `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID     types.UserIDType     `gorm:"column:user_id;not null" json:"user_id"`
	RecordID   types.RecordIDType   `gorm:"column:record_id;not null;uniqueIndex:idx_report_record_template" json:"record_id"`
	TemplateID types.TemplateIDType `gorm:"column:template_id;not null;uniqueIndex:idx_report_record_template" json:"template_id"`
	// UniqueIdentifier is NULL between the insert and the identifier update.
	UniqueIdentifier *string `gorm:"column:unique_identifier;size:255;uniqueIndex" json:"unique_identifier"`

	Content          EncryptedString        `gorm:"column:content;type:text" json:"-"`
	Backend          string                 `gorm:"column:backend;size:32" json:"backend"`
	GenerationStatus types.GenerationStatus `gorm:"column:generation_status;size:32;not null;default:'pending'" json:"generation_status"`
	StartedAt        *time.Time             `gorm:"column:started_at" json:"started_at"`
	CompletedAt      *time.Time             `gorm:"column:completed_at" json:"completed_at"`
	ErrorMessage     string                 `gorm:"column:error_message;type:text" json:"error_message"`

	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (ReportModel) TableName() string {
	return ReportTableName
}

// ReportColumns is the columns for the report table
type ReportColumns struct {
	ID               string
	UserID           string
	RecordID         string
	TemplateID       string
	UniqueIdentifier string
	Content          string
	Backend          string
	GenerationStatus string
	StartedAt        string
	CompletedAt      string
	ErrorMessage     string
	CreateTime       string
}

// ReportColumn holds the column names of the report table.
var ReportColumn = ReportColumns{
	ID:               "id",
	UserID:           "user_id",
	RecordID:         "record_id",
	TemplateID:       "template_id",
	UniqueIdentifier: "unique_identifier",
	Content:          "content",
	Backend:          "backend",
	GenerationStatus: "generation_status",
	StartedAt:        "started_at",
	CompletedAt:      "completed_at",
	ErrorMessage:     "error_message",
	CreateTime:       "create_time",
}

// FormatReportIdentifier builds the unique identifier of a report:
// {user}-{record}-{template}-{YYYYMMDD}-{report}.
func FormatReportIdentifier(userID types.UserIDType, recordID types.RecordIDType, templateID types.TemplateIDType, date time.Time, reportID types.ReportIDType) string {
	return fmt.Sprintf("%d-%d-%d-%s-%d", userID, recordID, templateID, date.Format(identifierDateLayout), reportID)
}

// RefreshIdentifierDate returns the identifier with its date segment
// replaced. The other segments are kept verbatim.
func RefreshIdentifierDate(identifier string, date time.Time) (string, error) {
	parts := strings.Split(identifier, "-")
	if len(parts) != 5 {
		return "", fmt.Errorf("malformed report identifier %q: %w", identifier, errorsx.ErrInvalidArgument)
	}
	for _, i := range []int{0, 1, 2, 4} {
		if _, err := strconv.ParseUint(parts[i], 10, 64); err != nil {
			return "", fmt.Errorf("malformed report identifier %q: %w", identifier, errorsx.ErrInvalidArgument)
		}
	}
	parts[3] = date.Format(identifierDateLayout)
	return strings.Join(parts, "-"), nil
}

// EnsureReport computes the identifier in two phases: the row is inserted
// first so that its ID exists, then the identifier is derived and written.
func (r *repository) EnsureReport(ctx context.Context, userID types.UserIDType, recordID types.RecordIDType, templateID types.TemplateIDType) (*ReportModel, error) {
	var rpt ReportModel
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		where := fmt.Sprintf("%s = ? AND %s = ?", ReportColumn.RecordID, ReportColumn.TemplateID)
		err := tx.Where(where, recordID, templateID).First(&rpt).Error
		switch {
		case err == nil:
			if rpt.UniqueIdentifier != nil {
				return nil
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			rpt = ReportModel{
				UserID:           userID,
				RecordID:         recordID,
				TemplateID:       templateID,
				GenerationStatus: types.GenerationStatusPending,
			}
			if err := tx.Create(&rpt).Error; err != nil {
				return err
			}
		default:
			return err
		}

		created := time.Now().UTC()
		if rpt.CreateTime != nil {
			created = *rpt.CreateTime
		}
		identifier := FormatReportIdentifier(userID, recordID, templateID, created, rpt.ID)
		rpt.UniqueIdentifier = &identifier
		return tx.Model(&ReportModel{}).
			Where(fmt.Sprintf("%s = ?", ReportColumn.ID), rpt.ID).
			Update(ReportColumn.UniqueIdentifier, identifier).Error
	})
	if err != nil {
		return nil, err
	}
	return &rpt, nil
}

// GetReport fetches a report by ID.
func (r *repository) GetReport(ctx context.Context, id types.ReportIDType) (*ReportModel, error) {
	var rpt ReportModel
	where := fmt.Sprintf("%s = ?", ReportColumn.ID)
	if err := r.db.WithContext(ctx).Where(where, id).First(&rpt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("report %d: %w", id, errorsx.ErrNotFound)
		}
		return nil, err
	}
	return &rpt, nil
}

// ListReportsByRecord returns the reports of a record ordered by template.
func (r *repository) ListReportsByRecord(ctx context.Context, recordID types.RecordIDType) ([]ReportModel, error) {
	var rpts []ReportModel
	where := fmt.Sprintf("%s = ?", ReportColumn.RecordID)
	if err := r.db.WithContext(ctx).Where(where, recordID).Order(ReportColumn.TemplateID).Find(&rpts).Error; err != nil {
		return nil, err
	}
	return rpts, nil
}

func (r *repository) updateReport(ctx context.Context, id types.ReportIDType, update map[string]any) error {
	where := fmt.Sprintf("%s = ?", ReportColumn.ID)
	res := r.db.WithContext(ctx).Model(&ReportModel{}).Where(where, id).Updates(update)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("report %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}

// MarkReportGenerating moves the report to generating and clears the
// outcome of any previous run.
func (r *repository) MarkReportGenerating(ctx context.Context, id types.ReportIDType) error {
	return r.updateReport(ctx, id, map[string]any{
		ReportColumn.GenerationStatus: types.GenerationStatusGenerating,
		ReportColumn.StartedAt:        time.Now().UTC(),
		ReportColumn.CompletedAt:      nil,
		ReportColumn.ErrorMessage:     "",
	})
}

// CompleteReport stores the report content.
func (r *repository) CompleteReport(ctx context.Context, id types.ReportIDType, content, backend string) error {
	return r.updateReport(ctx, id, map[string]any{
		ReportColumn.GenerationStatus: types.GenerationStatusCompleted,
		ReportColumn.Content:          EncryptedString(content),
		ReportColumn.Backend:          backend,
		ReportColumn.CompletedAt:      time.Now().UTC(),
		ReportColumn.ErrorMessage:     "",
	})
}

// FailReport marks the report failed. errMsg is expected to be truncated
// already.
func (r *repository) FailReport(ctx context.Context, id types.ReportIDType, errMsg string) error {
	return r.updateReport(ctx, id, map[string]any{
		ReportColumn.GenerationStatus: types.GenerationStatusFailed,
		ReportColumn.CompletedAt:      time.Now().UTC(),
		ReportColumn.ErrorMessage:     errMsg,
	})
}

// RefreshReportIdentifier updates the date segment of the report's
// identifier, assigning a full identifier if the report has none.
func (r *repository) RefreshReportIdentifier(ctx context.Context, id types.ReportIDType, date time.Time) (string, error) {
	var identifier string
	err := r.transaction(ctx, func(tx *gorm.DB) error {
		var rpt ReportModel
		where := fmt.Sprintf("%s = ?", ReportColumn.ID)
		if err := tx.Where(where, id).First(&rpt).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("report %d: %w", id, errorsx.ErrNotFound)
			}
			return err
		}

		if rpt.UniqueIdentifier == nil {
			identifier = FormatReportIdentifier(rpt.UserID, rpt.RecordID, rpt.TemplateID, date, rpt.ID)
		} else {
			var err error
			if identifier, err = RefreshIdentifierDate(*rpt.UniqueIdentifier, date); err != nil {
				return err
			}
		}
		return tx.Model(&ReportModel{}).Where(where, id).Update(ReportColumn.UniqueIdentifier, identifier).Error
	})
	if err != nil {
		return "", err
	}
	return identifier, nil
}

// ListReportsWithoutIdentifier returns the reports whose identifier is NULL.
func (r *repository) ListReportsWithoutIdentifier(ctx context.Context, tx *gorm.DB) ([]ReportModel, error) {
	if tx == nil {
		tx = r.db
	}
	var rpts []ReportModel
	where := fmt.Sprintf("%s IS NULL", ReportColumn.UniqueIdentifier)
	if err := tx.WithContext(ctx).Where(where).Order(ReportColumn.ID).Find(&rpts).Error; err != nil {
		return nil, err
	}
	return rpts, nil
}

// SetReportIdentifier writes the identifier of a report.
func (r *repository) SetReportIdentifier(ctx context.Context, tx *gorm.DB, id types.ReportIDType, identifier string) error {
	if tx == nil {
		tx = r.db
	}
	where := fmt.Sprintf("%s = ?", ReportColumn.ID)
	return tx.WithContext(ctx).Model(&ReportModel{}).Where(where, id).Update(ReportColumn.UniqueIdentifier, identifier).Error
}
