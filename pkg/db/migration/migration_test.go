package migration

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/pkg/repository"

	hrmock "github.com/instill-ai/healthrecord-backend/pkg/mock"
)

func TestCodeMigrator_Migrate(t *testing.T) {
	c := qt.New(t)

	_, db := hrmock.NewRepository(t)
	legacy := repository.ReportModel{UserID: 7, RecordID: 42, TemplateID: 3}
	c.Assert(db.Create(&legacy).Error, qt.IsNil)

	cm := &CodeMigrator{Logger: zap.NewNop(), DB: db}

	// The initial schema has no data conversion.
	c.Assert(cm.Migrate(1), qt.IsNil)
	var got repository.ReportModel
	c.Assert(db.First(&got, legacy.ID).Error, qt.IsNil)
	c.Check(got.UniqueIdentifier, qt.IsNil)

	c.Assert(cm.Migrate(TargetSchemaVersion), qt.IsNil)
	c.Assert(db.First(&got, legacy.ID).Error, qt.IsNil)
	c.Assert(got.UniqueIdentifier, qt.IsNotNil)
	c.Check(*got.UniqueIdentifier, qt.Matches, `7-42-3-\d{8}-\d+`)
}
