package worker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/clinical"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/ledger"
	"github.com/instill-ai/healthrecord-backend/pkg/notification"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/report"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
)

// ActivityTimeoutStandard is timeout for normal activities (DB, object
// storage). Model-bound stages take their limits from the pipeline config.
const ActivityTimeoutStandard = 5 * time.Minute

// RetryInitialInterval, RetryBackoffCoefficient, RetryMaximumInterval and
// RetryMaximumAttempts control the retries of bookkeeping activities.
const (
	RetryInitialInterval    = 1 * time.Second
	RetryBackoffCoefficient = 2.0
	RetryMaximumInterval    = 30 * time.Second
	RetryMaximumAttempts    = 3
)

// Cron schedules of the periodic workflows.
const (
	NotificationCronSchedule = "* * * * *"
	SummaryCheckCronSchedule = "*/15 * * * *"
)

// Config defines the configuration for the worker
type Config struct {
	Repository  repository.Repository
	Storage     object.Storage
	Rasterizer  *raster.Rasterizer
	RasterCache *raster.Cache
	// Extractors holds one extractor per method.
	Extractors []extract.Extractor
	Era        *clinical.EraInferrer
	Codes      *clinical.CodeExtractor
	Reports    *report.Generator
	// Notifier is nil when notifications are disabled.
	Notifier *notification.Notifier

	Pipeline     config.PipelineConfig
	UploadBucket string
}

// Worker implements the Temporal worker with all workflows and activities
type Worker struct {
	repository  repository.Repository
	storage     object.Storage
	rasterizer  *raster.Rasterizer
	rasterCache *raster.Cache
	extractors  map[extract.Method]extract.Extractor
	era         *clinical.EraInferrer
	codes       *clinical.CodeExtractor
	reports     *report.Generator
	notifier    *notification.Notifier
	tracker     *ledger.Tracker

	pipeline     config.PipelineConfig
	uploadBucket string
	log          *zap.Logger
}

// New creates a new worker instance
func New(cfg Config, log *zap.Logger) (*Worker, error) {
	extractors := make(map[extract.Method]extract.Extractor, len(cfg.Extractors))
	for _, e := range cfg.Extractors {
		extractors[e.Method()] = e
	}
	for _, m := range extract.Methods {
		if _, ok := extractors[m]; !ok {
			return nil, fmt.Errorf("no extractor for method %s", m)
		}
	}

	return &Worker{
		repository:   cfg.Repository,
		storage:      cfg.Storage,
		rasterizer:   cfg.Rasterizer,
		rasterCache:  cfg.RasterCache,
		extractors:   extractors,
		era:          cfg.Era,
		codes:        cfg.Codes,
		reports:      cfg.Reports,
		notifier:     cfg.Notifier,
		tracker:      ledger.NewTracker(cfg.Repository, log),
		pipeline:     cfg.Pipeline,
		uploadBucket: cfg.UploadBucket,
		log:          log,
	}, nil
}

// codeRetryPolicy is the in-process retry of description lookups.
func (w *Worker) codeRetryPolicy() ai.RetryPolicy {
	return ai.RetryPolicy{
		MaxAttempts:    w.pipeline.Codes.MaxAttempts,
		InitialBackoff: w.pipeline.Codes.InitialBackoff,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}
}
