package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/report"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"

	database "github.com/instill-ai/healthrecord-backend/pkg/db"
	logx "github.com/instill-ai/x/log"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	db := database.GetSharedConnection()
	defer database.Close(db)
	repo := repository.NewRepository(db)

	templates, err := report.PresetTemplates()
	if err != nil {
		logger.Fatal("Failed to read preset templates", zap.Error(err))
	}

	for _, t := range templates {
		stored, err := repo.UpsertReportTemplate(ctx, t)
		if err != nil {
			logger.Fatal("Failed to seed report template", zap.String("name", t.Name), zap.Error(err))
		}
		logger.Info("Processed report template",
			zap.String("name", stored.Name),
			zap.Uint("id", stored.ID),
			zap.String("format", string(stored.OutputFormat)))
	}
}
