package mock

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"
)

// NewRepository returns a repository backed by a private in-memory SQLite
// database that is closed when the test ends. Fields are stored in plain
// text unless the test initialises the field encryption.
func NewRepository(tb testing.TB) (repository.Repository, *gorm.DB) {
	tb.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		tb.Fatalf("opening sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("getting sql.DB: %v", err)
	}
	// Every connection to :memory: opens a different database.
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { _ = sqlDB.Close() })

	if err := repository.AutoMigrate(db); err != nil {
		tb.Fatalf("migrating: %v", err)
	}
	return repository.NewRepository(db), db
}
