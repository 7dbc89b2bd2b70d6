package migration

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/db/migration/convert"
	"github.com/instill-ai/healthrecord-backend/pkg/db/migration/convert/convert000002"
)

// TargetSchemaVersion is the schema version of the records, reports and
// task ledger tables this build expects.
const TargetSchemaVersion uint = 2

type migration interface {
	Migrate() error
}

// dataSteps maps a schema version to the data conversion that completes it.
// Versions that only change the schema have no entry.
var dataSteps = map[uint]func(convert.Basic) migration{
	// Reports created before 000002 get an identifier dated on their
	// creation.
	2: func(bc convert.Basic) migration {
		return &convert000002.BackfillReportIdentifiers{Basic: bc}
	},
}

// CodeMigrator runs the data conversions that go along with the SQL
// migrations.
type CodeMigrator struct {
	Logger *zap.Logger

	DB *gorm.DB
}

// Migrate runs the data conversion of version, right after its SQL file was
// applied. Schema changes belong in the SQL files; this only rewrites rows,
// e.g. backfilling report identifiers. A version without a conversion is a
// no-op.
func (cm *CodeMigrator) Migrate(version uint) error {
	step, ok := dataSteps[version]
	if !ok {
		return nil
	}

	cm.Logger.Info("Running data conversion", zap.Uint("version", version))
	return step(convert.Basic{DB: cm.DB, Logger: cm.Logger}).Migrate()
}
