package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

const (
	// MedicalCodeTableName is the table name for medical codes
	MedicalCodeTableName = "medical_code"
)

// MedicalCode holds the persistence operations on a record's medical codes.
type MedicalCode interface {
	// ReplaceMedicalCodes deletes every code of the record and inserts the
	// given set in a single transaction.
	ReplaceMedicalCodes(ctx context.Context, recordID types.RecordIDType, codes []MedicalCodeModel) ([]MedicalCodeModel, error)
	ListMedicalCodes(ctx context.Context, recordID types.RecordIDType) ([]MedicalCodeModel, error)
	UpdateMedicalCodeDescription(ctx context.Context, id uint, description string) error
}

// MedicalCodeModel is a diagnosis or procedure code found in a record.
type MedicalCodeModel struct {
	ID       uint               `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID types.RecordIDType `gorm:"column:record_id;not null;index" json:"record_id"`
	Code     EncryptedString    `gorm:"column:code;type:text;not null" json:"code"`
	CodeType types.CodeType     `gorm:"column:code_type;size:16;not null" json:"code_type"`
	// Description is empty until the code was enriched.
	Description EncryptedString `gorm:"column:description;type:text" json:"description"`

	CreateTime *time.Time `gorm:"column:create_time;not null;default:CURRENT_TIMESTAMP" json:"create_time"`
	UpdateTime *time.Time `gorm:"column:update_time;not null;default:CURRENT_TIMESTAMP;autoUpdateTime" json:"update_time"`
}

// TableName overrides the default table name for GORM
func (MedicalCodeModel) TableName() string {
	return MedicalCodeTableName
}

// MedicalCodeColumns is the columns for the medical code table
type MedicalCodeColumns struct {
	ID          string
	RecordID    string
	Code        string
	CodeType    string
	Description string
}

// MedicalCodeColumn holds the column names of the medical code table.
var MedicalCodeColumn = MedicalCodeColumns{
	ID:          "id",
	RecordID:    "record_id",
	Code:        "code",
	CodeType:    "code_type",
	Description: "description",
}

// ReplaceMedicalCodes replaces all the codes of a record.
func (r *repository) ReplaceMedicalCodes(ctx context.Context, recordID types.RecordIDType, codes []MedicalCodeModel) ([]MedicalCodeModel, error) {
	for i := range codes {
		if !codes[i].CodeType.Valid() {
			return nil, fmt.Errorf("code %q has unknown type %q: %w", codes[i].Code, codes[i].CodeType, errorsx.ErrInvalidArgument)
		}
		codes[i].ID = 0
		codes[i].RecordID = recordID
	}

	err := r.transaction(ctx, func(tx *gorm.DB) error {
		where := fmt.Sprintf("%s = ?", MedicalCodeColumn.RecordID)
		if err := tx.Where(where, recordID).Delete(&MedicalCodeModel{}).Error; err != nil {
			return err
		}
		if len(codes) == 0 {
			return nil
		}
		return tx.Create(&codes).Error
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// ListMedicalCodes returns the codes of a record in insertion order.
func (r *repository) ListMedicalCodes(ctx context.Context, recordID types.RecordIDType) ([]MedicalCodeModel, error) {
	var codes []MedicalCodeModel
	where := fmt.Sprintf("%s = ?", MedicalCodeColumn.RecordID)
	if err := r.db.WithContext(ctx).Where(where, recordID).Order(MedicalCodeColumn.ID).Find(&codes).Error; err != nil {
		return nil, err
	}
	return codes, nil
}

// UpdateMedicalCodeDescription stores the terminology description of a code.
func (r *repository) UpdateMedicalCodeDescription(ctx context.Context, id uint, description string) error {
	where := fmt.Sprintf("%s = ?", MedicalCodeColumn.ID)
	res := r.db.WithContext(ctx).Model(&MedicalCodeModel{}).Where(where, id).
		Update(MedicalCodeColumn.Description, EncryptedString(description))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("medical code %d: %w", id, errorsx.ErrNotFound)
	}
	return nil
}
