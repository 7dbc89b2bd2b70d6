package convert000002

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/instill-ai/healthrecord-backend/pkg/db/migration/convert"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
)

const batchSize = 100

// BackfillReportIdentifiers assigns a unique identifier to the reports that
// were created before the column existed. The date segment is the report's
// creation date.
type BackfillReportIdentifiers struct {
	convert.Basic
}

// Migrate runs the backfill.
func (c *BackfillReportIdentifiers) Migrate() error {
	ctx := context.Background()
	repo := repository.NewRepository(c.DB)

	updated := 0
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		reports, err := repo.ListReportsWithoutIdentifier(ctx, tx)
		if err != nil {
			return fmt.Errorf("listing reports: %w", err)
		}

		for i, r := range reports {
			created := time.Now().UTC()
			if r.CreateTime != nil {
				created = *r.CreateTime
			}
			identifier := repository.FormatReportIdentifier(r.UserID, r.RecordID, r.TemplateID, created, r.ID)
			if err := repo.SetReportIdentifier(ctx, tx, r.ID, identifier); err != nil {
				return fmt.Errorf("updating report %d: %w", r.ID, err)
			}
			updated++

			if (i+1)%batchSize == 0 {
				c.Logger.Info("Backfilling report identifiers", zap.Int("done", i+1), zap.Int("total", len(reports)))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Logger.Info("Report identifiers backfilled", zap.Int("count", updated))
	return nil
}
