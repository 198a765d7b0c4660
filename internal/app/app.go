// Package app wires configuration into the server, worker and CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/analyzer"
	"github.com/BerylCAtieno/upload-insights-api/internal/backoff"
	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/config"
	"github.com/BerylCAtieno/upload-insights-api/internal/db"
	"github.com/BerylCAtieno/upload-insights-api/internal/handlers"
	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/pipeline"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/repository"
	"github.com/BerylCAtieno/upload-insights-api/internal/router"
	"github.com/BerylCAtieno/upload-insights-api/internal/services"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/tabular"
	"github.com/BerylCAtieno/upload-insights-api/internal/tasks"
	"github.com/BerylCAtieno/upload-insights-api/internal/tracing"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
	"github.com/BerylCAtieno/upload-insights-api/internal/vision"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
)

// leaseGrace is added to the task timeout so a slow but live worker keeps
// its lease.
const leaseGrace = 5 * time.Minute

// unboundedLease is the claim lease when tasks run without a timeout. A task
// still running after it is assumed to belong to a dead worker.
const unboundedLease = 24 * time.Hour

// taskLease derives the queue lease from the task timeout. It is never left
// to the queue default, which is shorter than an unbounded task may run.
func taskLease(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return unboundedLease
	}
	return timeout + leaseGrace
}

type Application struct {
	Config     *config.Config
	Logger     *utils.Logger
	DB         *sqlx.DB
	Redis      *redis.Client
	Ledger     repository.Repository
	Store      storage.Storage
	Cache      cache.Cache
	Snapshot   cache.SnapshotStore
	Queue      *queue.RedisQueue
	Bus        *pipeline.Bus
	Classifier *vision.Classifier

	TracingShutdown func(context.Context) error
}

// New connects every backing service. Migrations run before the ledger is
// opened.
func New(ctx context.Context, cfg *config.Config, logger *utils.Logger) (*Application, error) {
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		SampleRatio:  cfg.TracingSampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	database, err := db.NewSQLiteDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		database.Close()
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
	}

	store, err := storage.New(ctx, cfg, logger)
	if err != nil {
		database.Close()
		rdb.Close()
		return nil, fmt.Errorf("init object store: %w", err)
	}

	return Assemble(cfg, logger, database, rdb, store, shutdown), nil
}

// Assemble builds the application from already connected clients.
func Assemble(cfg *config.Config, logger *utils.Logger, database *sqlx.DB, rdb *redis.Client, store storage.Storage,
	tracingShutdown func(context.Context) error) *Application {
	c := cache.NewRedisCache(rdb, logger)

	if cfg.TaskTimeout() == 0 {
		logger.Warn("Task timeout disabled, stalled tasks are reclaimed after the unbounded lease", "lease", unboundedLease)
	}
	q := queue.NewRedisQueue(rdb, queue.Options{MaxRetries: cfg.MaxRetries, Lease: taskLease(cfg.TaskTimeout())}, logger)

	bus := pipeline.NewBus(q, logger)
	bus.Subscribe(tasks.EventDatasetPrepared, pipeline.EnqueueTrigger(q, queue.TypeModelTraining))

	if tracingShutdown == nil {
		tracingShutdown = func(context.Context) error { return nil }
	}

	return &Application{
		Config:          cfg,
		Logger:          logger,
		DB:              database,
		Redis:           rdb,
		Ledger:          repository.NewRepository(database),
		Store:           store,
		Cache:           c,
		Snapshot:        cache.NewSnapshotStore(c, logger),
		Queue:           q,
		Bus:             bus,
		Classifier:      vision.NewClassifier(cfg.ModelDir, cfg.ImageSize, logger),
		TracingShutdown: tracingShutdown,
	}
}

// Handler builds the HTTP API.
func (a *Application) Handler() http.Handler {
	cfg := a.Config
	metrics.RegisterQueueCollector(a.Queue, a.Logger.Logger)

	uploads := services.NewUploadService(services.UploadDeps{
		Ledger:        a.Ledger,
		Store:         a.Store,
		Queue:         a.Queue,
		Cache:         a.Cache,
		Classifier:    a.Classifier,
		CacheTTL:      cfg.CacheTTL(),
		UploadsFolder: cfg.UploadsFolder,
		ModelsFolder:  cfg.ModelsFolder,
		ModelDir:      cfg.ModelDir,
	}, a.Logger)

	llm := analyzer.NewOpenRouterAnalyzer(cfg.OpenRouterAPIKey, cfg.OpenRouterModel, a.Logger)
	chat := services.NewChatService(a.Ledger, a.Cache, a.Snapshot, llm, cfg.CacheTTL(), a.Logger)

	return router.NewRouter(router.Handlers{
		Uploads:     handlers.NewUploadHandler(uploads, cfg.MaxUploadSize, cfg.MaxImageSize, a.Logger),
		Chat:        handlers.NewChatHandler(chat, a.Logger),
		ServiceName: cfg.ServiceName,
	}, a.Logger)
}

// LoadModels pulls published models and loads the newest one. Any failure
// leaves the classifier in degraded mode.
func (a *Application) LoadModels(ctx context.Context) {
	if n, err := vision.SyncModels(ctx, a.Store, a.Config.ModelsFolder, a.Config.ModelDir); err != nil {
		a.Logger.Warn("Failed to sync published models", "error", err)
	} else if n > 0 {
		a.Logger.Info("Synced published models", "count", n)
	}
	if err := a.Classifier.Load(); err != nil {
		a.Logger.Warn("Starting without an image model", "error", err)
	}
}

func (a *Application) TaskDeps() tasks.Deps {
	return tasks.Deps{
		Ledger:   a.Ledger,
		Store:    a.Store,
		Cache:    a.Cache,
		Snapshot: a.Snapshot,
		CacheTTL: a.Config.CacheTTL(),
		Logger:   a.Logger,
	}
}

// Runner builds the worker with every background handler registered.
func (a *Application) Runner(workerID string) *pipeline.Runner {
	cfg := a.Config
	deps := a.TaskDeps()

	return pipeline.NewRunner(a.Queue, a.Bus, pipeline.Config{
		WorkerID:          workerID,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.PollInterval(),
		TaskTimeout:       cfg.TaskTimeout(),
		ReconcileInterval: cfg.ReconcileInterval(),
		Backoff: backoff.NewPolicy(cfg.BackoffPolicy,
			time.Duration(cfg.RetryDelaySeconds)*time.Second,
			time.Duration(cfg.RetryMaxDelaySeconds)*time.Second),
	}, a.Logger,
		tasks.NewTabularAnalysis(deps, tabular.NewComputer(cfg.TabularChunkRows)),
		tasks.NewDatasetIngestion(deps, cfg.TrainingDataFolder),
		tasks.NewModelTraining(deps, tasks.TrainingConfig{
			TrainingFolder: cfg.TrainingDataFolder,
			ModelsFolder:   cfg.ModelsFolder,
			ImageSize:      cfg.ImageSize,
			MaxSamples:     cfg.MaxTrainingSamples,
		}),
	)
}

// Close releases every client. Tracing is flushed last.
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if err := a.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	if err := a.TracingShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	return errors.Join(errs...)
}
