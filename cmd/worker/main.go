package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/instill-ai/healthrecord-backend/config"
	"github.com/instill-ai/healthrecord-backend/pkg/ai"
	"github.com/instill-ai/healthrecord-backend/pkg/ai/gemini"
	"github.com/instill-ai/healthrecord-backend/pkg/ai/openai"
	"github.com/instill-ai/healthrecord-backend/pkg/clinical"
	"github.com/instill-ai/healthrecord-backend/pkg/constant"
	"github.com/instill-ai/healthrecord-backend/pkg/extract"
	"github.com/instill-ai/healthrecord-backend/pkg/notification"
	"github.com/instill-ai/healthrecord-backend/pkg/raster"
	"github.com/instill-ai/healthrecord-backend/pkg/report"
	"github.com/instill-ai/healthrecord-backend/pkg/repository"
	"github.com/instill-ai/healthrecord-backend/pkg/repository/object"
	"github.com/instill-ai/x/temporal"

	database "github.com/instill-ai/healthrecord-backend/pkg/db"
	hrworker "github.com/instill-ai/healthrecord-backend/pkg/worker"
	logx "github.com/instill-ai/x/log"
	miniox "github.com/instill-ai/x/minio"
	otelx "github.com/instill-ai/x/otel"
)

const gracefulShutdownWaitPeriod = 15 * time.Second // Wait period before stopping worker
const gracefulShutdownTimeout = 60 * time.Minute    // Maximum time for in-flight workflows to complete

var (
	// These variables might be overridden at buildtime.
	serviceName    = "healthrecord-backend-worker"
	serviceVersion = "dev"
)

func main() {
	if err := config.Init(config.ParseConfigFlag()); err != nil {
		log.Fatal(err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup all OpenTelemetry components
	cleanup := otelx.SetupWithCleanup(ctx,
		otelx.WithServiceName(serviceName),
		otelx.WithServiceVersion(serviceVersion),
		otelx.WithHost(config.Config.OTELCollector.Host),
		otelx.WithPort(config.Config.OTELCollector.Port),
		otelx.WithCollectorEnable(config.Config.OTELCollector.Enable),
	)
	defer cleanup()

	logx.Debug = config.Config.Server.Debug
	logger, _ := logx.GetZapLogger(ctx)
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = logger.Sync()
	}()

	// Set gRPC logging based on debug mode
	if config.Config.Server.Debug {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 0) // All logs including transport layer
	} else {
		grpczap.ReplaceGrpcLoggerV2WithVerbosity(logger, 3) // Suppress transport layer logs (verbosity 3+)
	}

	if err := repository.InitFieldEncryption(config.Config.Encryption.Key); err != nil {
		logger.Fatal("Invalid field encryption key", zap.Error(err))
	}

	redisClient, db, storage, temporalClient, closeClients := newClients(ctx, logger)
	defer closeClients()

	repo := repository.NewRepository(db)
	pipelineCfg := config.Config.Pipeline

	// The model clients are built on first use, so the worker starts even
	// when the providers are unreachable.
	registry := ai.NewRegistry(func(ctx context.Context) (ai.Client, error) {
		return newAIClient(ctx, logger)
	})
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Error("Failed to close AI client", zap.Error(err))
		}
	}()

	rasterCache := raster.NewCache(
		storage,
		repository.NewRasterCacheRepository(redisClient),
		config.Config.Storage.RasterBucket,
		pipelineCfg.Raster.CacheTTL,
		logger,
	)
	runner := raster.ExecRunner{Logger: logger}
	rasterizer := raster.NewRasterizer(raster.Config{
		DPI:     pipelineCfg.Raster.DPI,
		WorkDir: pipelineCfg.Raster.WorkDir,
	}, runner, storage, rasterCache, logger)

	visionCfg := extract.VisionConfig{
		PoolSize:     pipelineCfg.Extraction.PagePoolSize,
		PageTimeout:  pipelineCfg.Extraction.PageTimeout,
		QualityRatio: pipelineCfg.Extraction.QualityRatio,
	}
	extractors := []extract.Extractor{
		&extract.NativeTextExtractor{
			Runner:  runner,
			Storage: storage,
			WorkDir: pipelineCfg.Raster.WorkDir,
			Logger:  logger,
		},
		&extract.OCRExtractor{
			Runner:      runner,
			Cache:       rasterCache,
			Language:    pipelineCfg.Extraction.OCRLanguage,
			WorkDir:     pipelineCfg.Raster.WorkDir,
			PoolSize:    pipelineCfg.Extraction.PagePoolSize,
			PageTimeout: pipelineCfg.Extraction.PageTimeout,
			Logger:      logger,
		},
		extract.NewCloudVisionExtractor(registry, rasterCache, visionCfg, logger),
		extract.NewVisionLLMExtractor(registry, rasterCache, visionCfg, logger),
	}

	threshold := config.Config.Model.TokenThreshold
	reportPolicy := ai.RetryPolicy{
		MaxAttempts:    pipelineCfg.Report.MaxAttempts,
		InitialBackoff: pipelineCfg.Report.InitialBackoff,
		MaxBackoff:     pipelineCfg.Report.MaxBackoff,
		Multiplier:     2,
	}

	var notifier *notification.Notifier
	if config.Config.Notification.Enabled {
		notifier = notification.NewNotifier(repo, notification.NewSMTPSender(config.Config.Notification), logger)
	} else {
		logger.Info("Notifications disabled")
	}

	cw, err := hrworker.New(hrworker.Config{
		Repository:   repo,
		Storage:      storage,
		Rasterizer:   rasterizer,
		RasterCache:  rasterCache,
		Extractors:   extractors,
		Era:          clinical.NewEraInferrer(registry, threshold, pipelineCfg.FallbackYears, logger),
		Codes:        clinical.NewCodeExtractor(registry, threshold, logger),
		Reports:      report.NewGenerator(registry, threshold, reportPolicy, logger),
		Notifier:     notifier,
		Pipeline:     pipelineCfg,
		UploadBucket: config.Config.Storage.UploadBucket,
	}, logger)
	if err != nil {
		logger.Fatal("Unable to create worker", zap.Error(err))
	}

	workerInterceptors := func() []interceptor.WorkerInterceptor {
		if !config.Config.OTELCollector.Enable {
			return nil
		}
		workerInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create worker tracing interceptor", zap.Error(err))
		}
		return []interceptor.WorkerInterceptor{workerInterceptor}
	}()

	// One Temporal worker per queue. The activity concurrency of a queue
	// bounds how many of its tasks run at once in this process.
	workers := make([]worker.Worker, 0, len(constant.TaskQueues))
	for _, queue := range constant.TaskQueues {
		concurrency := pipelineCfg.Queues.Concurrency[constant.QueueConcurrencyKey(queue)]
		if concurrency <= 0 {
			concurrency = 1
		}

		w := worker.New(temporalClient, queue, worker.Options{
			WorkflowPanicPolicy:                    worker.BlockWorkflow,
			WorkerStopTimeout:                      gracefulShutdownTimeout,
			MaxConcurrentActivityExecutionSize:     concurrency,
			MaxConcurrentWorkflowTaskExecutionSize: 100,
			Interceptors:                           workerInterceptors,
		})
		cw.Register(w)

		if err := w.Start(); err != nil {
			logger.Fatal(fmt.Sprintf("Unable to start worker on %s: %s", queue, err))
		}
		workers = append(workers, w)
		logger.Info("Temporal worker polling", zap.String("queue", queue), zap.Int("concurrency", concurrency))
	}

	if err := hrworker.StartScheduledWorkflows(ctx, temporalClient, cw); err != nil {
		logger.Error("Failed to start scheduled workflows", zap.Error(err))
	}

	// Setup graceful shutdown on SIGTERM (kill) and SIGINT (Ctrl+C)
	// Note: SIGKILL (kill -9) cannot be caught and will force immediate termination
	quitSig := make(chan os.Signal, 1)
	signal.Notify(quitSig, syscall.SIGINT, syscall.SIGTERM)

	// Block until shutdown signal received
	<-quitSig

	logger.Info("Shutdown signal received, waiting for in-flight workflows to complete...")
	time.Sleep(gracefulShutdownWaitPeriod)

	logger.Info("Shutting down workers...")
	for _, w := range workers {
		w.Stop()
	}
}

// newClients initializes all external service clients and returns a cleanup function
func newClients(ctx context.Context, logger *zap.Logger) (
	*redis.Client,
	*gorm.DB,
	object.Storage,
	temporalclient.Client,
	func(),
) {
	closeFuncs := map[string]func() error{}

	// Initialize PostgreSQL database connection (records, reports, task ledger)
	db := database.GetSharedConnection()
	closeFuncs["database"] = func() error {
		database.Close(db)
		return nil
	}

	// Initialize Redis client (raster cache metadata)
	redisClient := redis.NewClient(&config.Config.Cache.Redis.RedisOptions)
	closeFuncs["redis"] = redisClient.Close

	// Initialize Temporal client (for workflow orchestration)
	temporalClientOptions, err := temporal.ClientOptions(config.Config.Temporal, logger)
	if err != nil {
		logger.Fatal("Unable to build Temporal client options", zap.Error(err))
	}

	// Add OpenTelemetry tracing interceptor if enabled
	if config.Config.OTELCollector.Enable {
		temporalTracingInterceptor, err := opentelemetry.NewTracingInterceptor(opentelemetry.TracerOptions{
			Tracer:            otel.Tracer(serviceName),
			TextMapPropagator: otel.GetTextMapPropagator(),
		})
		if err != nil {
			logger.Fatal("Unable to create temporal tracing interceptor", zap.Error(err))
		}
		temporalClientOptions.Interceptors = []interceptor.ClientInterceptor{temporalTracingInterceptor}
	}

	temporalClient, err := temporalclient.Dial(temporalClientOptions)
	if err != nil {
		logger.Fatal("Unable to create Temporal client", zap.Error(err))
	}
	closeFuncs["temporal"] = func() error {
		temporalClient.Close()
		return nil
	}

	storage := newObjectStorage(ctx, logger)

	closer := func() {
		for conn, fn := range closeFuncs {
			if err := fn(); err != nil {
				logger.Error("Failed to close conn", zap.Error(err), zap.String("conn", conn))
			}
		}
	}

	return redisClient, db, storage, temporalClient, closer
}

// newObjectStorage connects the configured backend holding the uploads and
// the raster page sets.
func newObjectStorage(ctx context.Context, logger *zap.Logger) object.Storage {
	cfg := config.Config
	if cfg.Storage.Provider == "gcs" {
		storage, err := object.NewGCSStorage(ctx, object.GCSConfig{
			ProjectID:         cfg.GCS.ProjectID,
			Region:            cfg.GCS.Region,
			Bucket:            cfg.GCS.Bucket,
			// Trim whitespace from service account key to handle YAML multiline formatting
			ServiceAccountKey: strings.TrimSpace(cfg.GCS.SAKey),
		})
		if err != nil {
			logger.Fatal("failed to create GCS client", zap.Error(err))
		}
		logger.Info("GCS object storage initialized",
			zap.String("project", cfg.GCS.ProjectID),
			zap.String("bucket", cfg.GCS.Bucket))
		return storage
	}

	logger.Info("Initializing MinIO client", zap.String("host", cfg.Minio.Host))
	storage, err := object.NewMinIOStorage(ctx, miniox.ClientParams{
		Config: cfg.Minio,
		Logger: logger,
		AppInfo: miniox.AppInfo{
			Name:    serviceName,
			Version: serviceVersion,
		},
	}, cfg.Storage.UploadBucket, cfg.Storage.RasterBucket)
	if err != nil {
		logger.Fatal("failed to create MinIO client", zap.Error(err))
	}
	return storage
}

// newAIClient creates an AI client based on the configured API keys
func newAIClient(ctx context.Context, logger *zap.Logger) (ai.Client, error) {
	cfg := config.Config.Model
	aiClients := make(map[string]ai.Client)

	if cfg.Gemini.APIKey != "" {
		geminiClient, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			VisionModel: cfg.Gemini.VisionModel,
		})
		if err != nil {
			logger.Error("Failed to initialize Gemini client", zap.Error(err))
		} else {
			aiClients[ai.ModelFamilyGemini] = geminiClient
			logger.Info("Gemini client initialized", zap.String("model", cfg.Gemini.Model))
		}
	}

	if cfg.OpenAI.APIKey != "" {
		openaiClient, err := openai.NewClient(ctx, openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			Model:       cfg.OpenAI.Model,
			VisionModel: cfg.OpenAI.VisionModel,
		})
		if err != nil {
			logger.Error("Failed to initialize OpenAI client", zap.Error(err))
		} else {
			aiClients[ai.ModelFamilyOpenAI] = openaiClient
			logger.Info("OpenAI client initialized", zap.String("model", cfg.OpenAI.Model))
		}
	}

	if len(aiClients) == 0 {
		return nil, fmt.Errorf("no AI provider configured")
	}

	aiClient, err := ai.NewCompositeClient(aiClients, ai.DefaultModelFamily)
	if err != nil {
		return nil, fmt.Errorf("failed to create composite client: %w", err)
	}

	logger.Info("AI client initialized successfully",
		zap.String("client", aiClient.Name()),
		zap.Int("available_clients", len(aiClients)))

	return aiClient, nil
}
