package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/source"
)

// ImportService feeds files from a local source through the upload pipeline
// without going over HTTP.
type ImportService struct {
	pipeline  *Pipeline
	workers   int
	batchSize int
}

// ImportConfig holds configuration for the import service.
type ImportConfig struct {
	Workers   int
	BatchSize int
}

// NewImportService creates an import service over the pipeline.
func NewImportService(pipeline *Pipeline, cfg ImportConfig) *ImportService {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &ImportService{pipeline: pipeline, workers: workers, batchSize: batch}
}

// ImportStats summarizes one import run.
type ImportStats struct {
	TotalItems     int64
	ProcessedItems int64
	ImportedItems  int64
	DuplicateItems int64
	FailedItems    int64
	StartTime      time.Time
	EndTime        time.Time
}

type importResult struct {
	sourceID string
	uploadID string
	err      error
}

// ImportFromSource uploads up to limit files from src. Files whose content is
// already held by a live upload count as duplicates, not failures.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - src: file source.
//   - limit: maximum number of files; zero or less means no limit.
//   - operator: identity recorded on each upload.
//
// Returns:
//   - *ImportStats: counts for the run.
//   - error: non-nil if the source cannot be listed at all.
func (s *ImportService) ImportFromSource(ctx context.Context, src source.Source, limit int, operator string) (*ImportStats, error) {
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "import", "source": src.GetSourceID()})
	stats := &ImportStats{StartTime: time.Now()}

	logger.With(logger.Fields{"limit": limit, "workers": s.workers}).Info(ctx, "Starting import from %s", src.GetDisplayName())

	itemsChan := make(chan source.FileItem, s.workers*2)
	resultsChan := make(chan importResult, s.workers*2)

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range itemsChan {
				id, err := s.importOne(ctx, item, operator)
				resultsChan <- importResult{sourceID: item.SourceID, uploadID: id, err: err}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		for result := range resultsChan {
			atomic.AddInt64(&stats.ProcessedItems, 1)
			var dup *DuplicateError
			switch {
			case result.err == nil:
				atomic.AddInt64(&stats.ImportedItems, 1)
				logger.With(logger.Fields{"source_id": result.sourceID, logger.FieldUploadID: result.uploadID}).
					Debug(ctx, "Imported file")
			case errors.As(result.err, &dup):
				atomic.AddInt64(&stats.DuplicateItems, 1)
				logger.With(logger.Fields{"source_id": result.sourceID, "existing_id": dup.ExistingID}).
					Info(ctx, "Skipped duplicate file")
			default:
				atomic.AddInt64(&stats.FailedItems, 1)
				logger.With(logger.Fields{"source_id": result.sourceID}).
					Error(ctx, "Failed to import file: %v", result.err)
			}
		}
		close(done)
	}()

	var fetchErr error
	cursor := ""
	totalFetched := 0
fetch:
	for ctx.Err() == nil {
		batchLimit := s.batchSize
		if limit > 0 {
			remaining := limit - totalFetched
			if remaining <= 0 {
				break
			}
			if batchLimit > remaining {
				batchLimit = remaining
			}
		}

		items, nextCursor, err := src.FetchBatch(ctx, cursor, batchLimit)
		if err != nil {
			fetchErr = err
			break
		}
		if len(items) == 0 {
			break
		}
		atomic.AddInt64(&stats.TotalItems, int64(len(items)))
		totalFetched += len(items)

		for _, item := range items {
			select {
			case itemsChan <- item:
			case <-ctx.Done():
				break fetch
			}
		}
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}

	close(itemsChan)
	wg.Wait()
	close(resultsChan)
	<-done

	stats.EndTime = time.Now()
	logger.With(logger.Fields{
		"total":      stats.TotalItems,
		"imported":   stats.ImportedItems,
		"duplicates": stats.DuplicateItems,
		"failed":     stats.FailedItems,
		"duration":   stats.EndTime.Sub(stats.StartTime).String(),
	}).Info(ctx, "Import completed")

	if fetchErr != nil && stats.TotalItems == 0 {
		return stats, fmt.Errorf("failed to fetch from %s: %w", src.GetSourceID(), fetchErr)
	}
	if fetchErr != nil {
		logger.CtxError(ctx, "Import stopped early: %v", fetchErr)
	}
	return stats, nil
}

func (s *ImportService) importOne(ctx context.Context, item source.FileItem, operator string) (string, error) {
	f, err := os.Open(item.LocalPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	job, err := s.pipeline.SingleShot(ctx, StartRequest{
		Filename:     item.Name,
		FileSize:     item.Size,
		DeclaredType: item.DeclaredType,
		UploadedBy:   operator,
	}, f)
	if err != nil {
		return "", err
	}
	return job.ID, nil
}
