package task

import (
	"context"
	"errors"

	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/service"
)

// Process drains pending raw lines across all uploads.
func Process(p *service.BatchProcessor) Task {
	return Func("process", func(ctx context.Context) error {
		stats, err := p.Run(ctx, "")
		if err != nil {
			return err
		}
		if stats.Claimed > 0 {
			logger.With(logger.Fields{
				"processed": stats.Processed,
				"skipped":   stats.Skipped,
				"errors":    stats.Errors,
				"batches":   stats.Batches,
			}).Info(ctx, "Processed %d lines", stats.Claimed)
		}
		return nil
	})
}

// Advance moves uploads through their phases.
func Advance(p *service.Pipeline) Task {
	return Func("advance", func(ctx context.Context) error {
		_, err := p.Advance(ctx)
		return err
	})
}

// RetryDue re-enters errored uploads whose backoff elapsed.
func RetryDue(p *service.Pipeline) Task {
	return Func("retry", func(ctx context.Context) error {
		_, err := p.RetryDue(ctx)
		return err
	})
}

// Gauges refreshes the queue depth gauges.
func Gauges(p *service.Pipeline, proc *service.BatchProcessor) Task {
	return Func("gauges", func(ctx context.Context) error {
		return errors.Join(p.RefreshPhaseGauge(ctx), proc.RefreshPendingGauge(ctx))
	})
}

// Scan reconciles object storage under prefix.
func Scan(m *service.LifecycleManager, prefix string) Task {
	return Func("scan", func(ctx context.Context) error {
		_, err := m.Scan(ctx, prefix)
		return err
	})
}

// Purge previews the due objects and then deletes that same set as operator.
func Purge(m *service.LifecycleManager, operator string) Task {
	return Func("purge", func(ctx context.Context) error {
		_, _, err := m.PreviewAndExecute(ctx, service.ExecuteOptions{Operator: operator})
		return err
	})
}
