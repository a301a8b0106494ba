package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/repository"
)

// DeleteReport describes a soft delete preview or execution.
type DeleteReport struct {
	DryRun     bool               `json:"dry_run"`
	Operator   string             `json:"operator,omitempty"`
	Candidates []domain.UploadJob `json:"candidates"`
	NotFound   []string           `json:"not_found,omitempty"`
	Deleted    int64              `json:"deleted"`
}

// SoftDelete previews or executes a soft delete of the given uploads.
// Executing requires an operator identity.
func (p *Pipeline) SoftDelete(ctx context.Context, ids []string, operator string, execute bool) (*DeleteReport, error) {
	operator = strings.TrimSpace(operator)
	if execute && operator == "" {
		return nil, domain.ErrOperatorRequired
	}
	report := &DeleteReport{DryRun: !execute, Operator: operator, Candidates: []domain.UploadJob{}}
	var live []string
	for _, id := range ids {
		job, err := p.store.Uploads.GetByID(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			report.NotFound = append(report.NotFound, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		report.Candidates = append(report.Candidates, *job)
		live = append(live, job.ID)
	}
	if !execute {
		return report, nil
	}

	ctx = logger.SetOperator(ctx, operator)
	deleted, err := p.store.Uploads.SoftDelete(ctx, live, operator)
	if err != nil {
		return nil, err
	}
	report.Deleted = deleted
	logger.With(logger.Fields{"requested": len(ids)}).WithCount(int(deleted)).
		Info(ctx, "Uploads soft-deleted")
	return report, nil
}

// StaleUploads lists active uploads with no progress for StaleAfter.
func (p *Pipeline) StaleUploads(ctx context.Context) ([]domain.UploadJob, error) {
	if p.cfg.StaleAfter <= 0 {
		return []domain.UploadJob{}, nil
	}
	return p.store.Uploads.ListStale(ctx, p.now().Add(-p.cfg.StaleAfter), p.cfg.AdvanceBatch)
}

// DeleteStale previews or soft-deletes every stale upload.
func (p *Pipeline) DeleteStale(ctx context.Context, operator string, execute bool) (*DeleteReport, error) {
	stale, err := p.StaleUploads(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(stale))
	for _, job := range stale {
		ids = append(ids, job.ID)
	}
	return p.SoftDelete(ctx, ids, operator, execute)
}

// RetentionItem is one upload touched by a retention run.
type RetentionItem struct {
	ID        string                `json:"id"`
	Filename  string                `json:"filename"`
	State     domain.RetentionState `json:"retention_state"`
	DeletedAt *time.Time            `json:"deleted_at,omitempty"`
	DeletedBy string                `json:"deleted_by,omitempty"`
}

// RetentionReport describes a retention preview or execution.
type RetentionReport struct {
	DryRun         bool            `json:"dry_run"`
	Cutoff         time.Time       `json:"cutoff"`
	ToEligible     []RetentionItem `json:"to_purge_eligible"`
	ToPurge        []RetentionItem `json:"to_purge"`
	MarkedEligible int             `json:"marked_eligible"`
	Purged         int             `json:"purged"`
	LinesDeleted   int64           `json:"lines_deleted"`
	RecordsDeleted int64           `json:"records_deleted"`
	Errors         []string        `json:"errors,omitempty"`
}

func retentionItem(job domain.UploadJob) RetentionItem {
	item := RetentionItem{ID: job.ID, Filename: job.Filename, State: job.RetentionState, DeletedBy: job.DeletedBy}
	if job.DeletedAt.Valid {
		t := job.DeletedAt.Time
		item.DeletedAt = &t
	}
	return item
}

// Retention advances soft-deleted uploads one retention step per run.
// Uploads soft-deleted before the cutoff become purge_eligible; uploads that
// were already purge_eligible when the run started lose their staged lines
// and decoded records and become purged. Blobs are reclaimed separately by
// the lifecycle manager.
func (p *Pipeline) Retention(ctx context.Context, operator string, execute bool) (*RetentionReport, error) {
	operator = strings.TrimSpace(operator)
	if execute && operator == "" {
		return nil, domain.ErrOperatorRequired
	}
	cutoff := p.now().Add(-p.cfg.HardDeleteAfter)
	report := &RetentionReport{DryRun: !execute, Cutoff: cutoff, ToEligible: []RetentionItem{}, ToPurge: []RetentionItem{}}

	softDeleted, err := p.store.Uploads.ListRetention(ctx, domain.RetentionSoftDeleted, cutoff, p.cfg.AdvanceBatch)
	if err != nil {
		return nil, err
	}
	eligible, err := p.store.Uploads.ListRetention(ctx, domain.RetentionPurgeEligible, time.Time{}, p.cfg.AdvanceBatch)
	if err != nil {
		return nil, err
	}
	for _, job := range softDeleted {
		report.ToEligible = append(report.ToEligible, retentionItem(job))
	}
	for _, job := range eligible {
		report.ToPurge = append(report.ToPurge, retentionItem(job))
	}
	if !execute {
		return report, nil
	}

	ctx = logger.SetOperator(ctx, operator)
	for _, job := range eligible {
		var lines, records int64
		err := p.store.InTx(ctx, func(tx *repository.Store) error {
			var err error
			if lines, err = tx.Lines.DeleteByUpload(ctx, job.ID); err != nil {
				return err
			}
			if records, err = tx.Records.DeleteByUpload(ctx, job.ID); err != nil {
				return err
			}
			return tx.Uploads.AdvanceRetention(ctx, job.ID, domain.RetentionPurgeEligible, domain.RetentionPurged)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		report.Purged++
		report.LinesDeleted += lines
		report.RecordsDeleted += records
	}
	for _, job := range softDeleted {
		if err := p.store.Uploads.AdvanceRetention(ctx, job.ID, domain.RetentionSoftDeleted, domain.RetentionPurgeEligible); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		report.MarkedEligible++
	}

	logger.With(logger.Fields{
		"marked_eligible": report.MarkedEligible,
		"purged":          report.Purged,
		"lines_deleted":   report.LinesDeleted,
		"records_deleted": report.RecordsDeleted,
		"errors":          len(report.Errors),
	}).Info(ctx, "Retention run finished")
	return report, nil
}
