package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/timmy/tddf/internal/app"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/service"
	"github.com/timmy/tddf/internal/source"
	"github.com/timmy/tddf/internal/source/directory"
	"github.com/timmy/tddf/internal/source/staging"
)

func main() {
	// Initialize logger first (with defaults)
	appLogger := logger.New(&logger.Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "tddf-ingest",
	})
	logger.SetDefaultLogger(appLogger)

	// Parse command line flags
	sourceType := flag.String("source", "", "Import files first: directory or staging")
	path := flag.String("path", "./inbox", "Directory, or staging base path, to import from")
	stagingID := flag.String("staging-id", "", "Staging source under -path")
	extensions := flag.String("ext", "", "Comma-separated extensions to import, e.g. .TSYSO,.txt")
	declaredType := flag.String("declared-type", "", "Record family hint for imported files")
	limit := flag.Int("limit", 0, "Maximum number of files to import (0 = all)")
	workers := flag.Int("workers", 2, "Concurrent imports")
	operator := flag.String("operator", "ingest", "Identity recorded on imported uploads")
	once := flag.Bool("once", false, "Run the pipeline tasks once and exit instead of running as a worker")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, canceling...")
		cancel()
	}()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	if *sourceType != "" {
		var src source.Source
		switch *sourceType {
		case "directory":
			src = directory.NewAdapter(*path, directory.Options{
				Extensions:   splitList(*extensions),
				DeclaredType: *declaredType,
			})
		case "staging":
			if *stagingID == "" {
				ids, _ := staging.ListStagingSources(*path)
				appLogger.WithField("available", ids).Fatal("-staging-id is required")
			}
			src = staging.NewAdapter(*path, *stagingID)
		default:
			appLogger.WithField("source", *sourceType).Fatal("Unknown source type")
		}

		importer := service.NewImportService(a.Pipeline, service.ImportConfig{Workers: *workers})
		stats, err := importer.ImportFromSource(ctx, src, *limit, *operator)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to import from source")
		}
		appLogger.WithFields(logger.Fields{
			"total":      stats.TotalItems,
			"imported":   stats.ImportedItems,
			"duplicates": stats.DuplicateItems,
			"failed":     stats.FailedItems,
		}).Info("Import completed")
	}

	if *once {
		pipeline, _ := a.Schedulers()
		if failed := pipeline.RunOnce(ctx); failed > 0 {
			appLogger.WithField("failed_tasks", failed).Warn("Pipeline pass finished with failures")
			return
		}
		appLogger.Info("Pipeline pass completed")
		return
	}

	appLogger.WithFields(logger.Fields{
		"interval":       cfg.Scheduler.Interval.String(),
		"purge_interval": cfg.Scheduler.PurgeInterval.String(),
	}).Info("Starting pipeline worker")
	stop := a.RunSchedulers(ctx)
	<-ctx.Done()
	stop()
	appLogger.Info("Worker exited")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
