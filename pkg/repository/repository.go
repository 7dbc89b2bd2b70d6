package repository

import (
	"context"

	"gorm.io/gorm"
)

// Repository interface
type Repository interface {
	Record
	MedicalCode
	ReportTemplate
	Report
	TaskLedger
	TaskMonitor

	// Ping checks that the database can be reached.
	Ping(ctx context.Context) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by the given database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

// transaction runs fn in a database transaction bound to ctx. The
// transaction is rolled back when fn returns an error or panics.
func (r *repository) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

// Ping implements Repository.
func (r *repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates or updates the tables of every model. The migration
// tool owns the production schema; this is used by tests and local setups.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RecordModel{},
		&MedicalCodeModel{},
		&ReportTemplateModel{},
		&ReportModel{},
		&TaskLedgerModel{},
		&TaskMonitorModel{},
	)
}
