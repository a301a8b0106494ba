// Package app assembles the stores and services shared by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/decoder"
	"github.com/timmy/tddf/internal/fieldspec"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/namespace"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/service"
	"github.com/timmy/tddf/internal/storage"
	"github.com/timmy/tddf/internal/task"
	"gorm.io/gorm"
)

// App holds the wired services of one process.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Store     *repository.Store
	Storage   storage.ObjectStorage
	Metrics   *metrics.Metrics
	Pipeline  *service.Pipeline
	Processor *service.BatchProcessor
	Lifecycle *service.LifecycleManager
}

// New connects the database and object storage and builds the services.
// Parameters:
//   - ctx: context for startup calls.
//   - cfg: loaded configuration.
//
// Returns:
//   - *App: wired application; call Close when done.
//   - error: non-nil if any backend cannot be reached.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	ns := namespace.ForEnvironment(cfg.Environment, cfg.Database.TablePrefix)
	scopeObjectKeys(cfg, ns)

	db, err := repository.InitDB(&cfg.Database, ns)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &App{Config: cfg, DB: db, Store: repository.NewStore(db, ns)}

	if err := a.ensurePartitions(ctx, time.Now().UTC()); err != nil {
		a.Close()
		return nil, err
	}

	objectStorage, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := objectStorage.EnsureBucket(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}
	a.Storage = objectStorage
	a.Metrics = metrics.NewDefault()

	registry := fieldspec.Default()
	logger.With(logger.Fields{
		"spec_version": registry.Version(),
		"record_types": registry.RecordTypes(),
		"table_prefix": ns.Prefix(),
		"key_prefix":   cfg.Pipeline.KeyPrefix,
	}).Info(ctx, "Field spec registry loaded")

	a.Pipeline = service.NewPipeline(a.Store, objectStorage, registry, a.Metrics, service.PipelineConfig{
		KeyPrefix:            cfg.Pipeline.KeyPrefix,
		MaxRetries:           cfg.Pipeline.MaxRetries,
		RetryBackoff:         cfg.Pipeline.RetryBackoff,
		StaleAfter:           cfg.Pipeline.StaleAfter,
		RejectDuplicateFiles: cfg.Pipeline.RejectDuplicateFiles,
		IdentifySampleLines:  cfg.Pipeline.IdentifySampleLines,
		LoadChunkSize:        cfg.Processor.LoadChunkSize,
		AdvanceBatch:         cfg.Pipeline.AdvanceBatch,
		HardDeleteAfter:      cfg.Retention.HardDeleteAfter,
	})
	a.Processor = service.NewBatchProcessor(a.Store, decoder.New(registry), a.Metrics, service.ProcessorConfig{
		BatchSize:        cfg.Processor.BatchSize,
		BatchDelay:       cfg.Processor.BatchDelay,
		LeaseDuration:    cfg.Processor.LeaseDuration,
		MaxBatchesPerRun: cfg.Processor.MaxBatchesPerRun,
		PriorityGroups:   cfg.Processor.PriorityGroups(),
		SkipRecordTypes:  cfg.Processor.SkipRecordTypes,
	})
	a.Lifecycle, err = service.NewLifecycleManager(a.Store, objectStorage, a.Metrics, service.LifecycleConfig{
		GracePeriod: cfg.Lifecycle.GracePeriod,
		BatchSize:   cfg.Lifecycle.PurgeBatchSize,
		KeyPrefix:   cfg.Pipeline.KeyPrefix,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// scopeObjectKeys fills in the environment's object key prefix and scan
// prefix when they are not configured, so environments sharing a bucket never
// see each other's blobs.
func scopeObjectKeys(cfg *config.Config, ns *namespace.Namespace) {
	if cfg.Pipeline.KeyPrefix == "" {
		cfg.Pipeline.KeyPrefix = ns.ObjectPrefix("uploads")
	}
	if cfg.Lifecycle.ScanPrefix == "" {
		cfg.Lifecycle.ScanPrefix = cfg.Pipeline.KeyPrefix + "/"
	}
}

// ensurePartitions creates the quarterly partitions around now. It is a no-op
// when the record table is not partitioned.
func (a *App) ensurePartitions(ctx context.Context, now time.Time) error {
	if !a.Store.Partitions.Enabled() {
		return nil
	}
	db := a.Config.Database
	from := now.AddDate(0, -3*db.PartitionQuartersBehind, 0)
	to := now.AddDate(0, 3*db.PartitionQuartersAhead, 0)
	if err := a.Store.Partitions.EnsureRange(ctx, from, to); err != nil {
		return fmt.Errorf("failed to ensure partitions: %w", err)
	}
	return nil
}

// Schedulers builds the pipeline scheduler and the lifecycle scheduler. The
// lifecycle scheduler only scans unless an operator is configured for purges.
func (a *App) Schedulers() (pipeline *task.Scheduler, lifecycle *task.Scheduler) {
	pipeline = task.NewScheduler("pipeline", a.Metrics)
	pipeline.RegisterTask(task.Advance(a.Pipeline))
	pipeline.RegisterTask(task.Process(a.Processor))
	pipeline.RegisterTask(task.RetryDue(a.Pipeline))
	pipeline.RegisterTask(task.Gauges(a.Pipeline, a.Processor))

	lifecycle = task.NewScheduler("lifecycle", a.Metrics)
	lifecycle.RegisterTask(task.Scan(a.Lifecycle, a.Config.Lifecycle.ScanPrefix))
	if a.Config.Scheduler.Operator != "" {
		lifecycle.RegisterTask(task.Purge(a.Lifecycle, a.Config.Scheduler.Operator))
	}
	return pipeline, lifecycle
}

// RunSchedulers starts both schedulers on their configured intervals. The
// returned stop function blocks until in-flight tasks finish.
func (a *App) RunSchedulers(ctx context.Context) (stop func()) {
	pipeline, lifecycle := a.Schedulers()
	pipeline.StartPeriodic(ctx, a.Config.Scheduler.Interval)
	lifecycle.StartPeriodic(ctx, a.Config.Scheduler.PurgeInterval)
	return func() {
		pipeline.Stop()
		lifecycle.Stop()
	}
}

// Close releases the database handle.
func (a *App) Close() {
	if a.DB == nil {
		return
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
