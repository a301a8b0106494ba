package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/timmy/tddf/internal/domain"
)

func TestSoftDeletePreviewAndExecute(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := mustUpload(t, e, "del.txt", fileOf(bhLine()))
	ids := []string{job.ID, "no-such-upload"}

	preview, err := e.pipeline.SoftDelete(ctx, ids, "", false)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if !preview.DryRun || len(preview.Candidates) != 1 || len(preview.NotFound) != 1 || preview.Deleted != 0 {
		t.Fatalf("preview = %+v", preview)
	}
	if _, err := e.store.Uploads.GetByID(ctx, job.ID); err != nil {
		t.Fatalf("preview deleted the upload: %v", err)
	}

	if _, err := e.pipeline.SoftDelete(ctx, ids, "  ", true); !errors.Is(err, domain.ErrOperatorRequired) {
		t.Fatalf("execute without operator: err = %v", err)
	}

	done, err := e.pipeline.SoftDelete(ctx, ids, "alice", true)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", done.Deleted)
	}
	if _, err := e.store.Uploads.GetByID(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted upload still visible: %v", err)
	}

	st, err := e.pipeline.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Deleted || st.Upload.DeletedBy != "alice" || st.Upload.RetentionState != domain.RetentionSoftDeleted {
		t.Errorf("status = %+v", st.Upload)
	}
}

func TestDeleteStale(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	stuck, err := e.pipeline.Start(ctx, StartRequest{Filename: "stuck.txt"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	fresh, err := e.pipeline.Start(ctx, StartRequest{Filename: "fresh.txt"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := e.store.DB().Exec("UPDATE "+e.store.Namespace().Table("upload_jobs")+" SET updated_at = ? WHERE id = ?", old, stuck.ID).Error; err != nil {
		t.Fatalf("age upload: %v", err)
	}

	preview, err := e.pipeline.DeleteStale(ctx, "", false)
	if err != nil {
		t.Fatalf("DeleteStale preview: %v", err)
	}
	if len(preview.Candidates) != 1 || preview.Candidates[0].ID != stuck.ID {
		t.Fatalf("stale candidates = %+v", preview.Candidates)
	}

	if _, err := e.pipeline.DeleteStale(ctx, "ops", true); err != nil {
		t.Fatalf("DeleteStale execute: %v", err)
	}
	if _, err := e.store.Uploads.GetByID(ctx, fresh.ID); err != nil {
		t.Errorf("fresh upload deleted: %v", err)
	}
}

func TestRetentionAdvancesOneStepPerRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	job := stage(t, e, bhLine(), dtLine("00000000100"))
	if _, err := e.processor.Run(ctx, job.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := e.pipeline.SoftDelete(ctx, []string{job.ID}, "ops", true); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	// Not old enough yet.
	report, err := e.pipeline.Retention(ctx, "ops", true)
	if err != nil {
		t.Fatalf("Retention: %v", err)
	}
	if report.MarkedEligible != 0 || report.Purged != 0 {
		t.Fatalf("early run = %+v", report)
	}

	e.pipeline.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	if _, err := e.pipeline.Retention(ctx, "", true); !errors.Is(err, domain.ErrOperatorRequired) {
		t.Fatalf("execute without operator: err = %v", err)
	}
	preview, err := e.pipeline.Retention(ctx, "", false)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if len(preview.ToEligible) != 1 || len(preview.ToPurge) != 0 {
		t.Fatalf("preview = %+v", preview)
	}

	steps := []struct {
		state   domain.RetentionState
		lines   int64
		records int64
	}{
		{domain.RetentionPurgeEligible, 0, 0},
		{domain.RetentionPurged, 2, 2},
	}
	for _, step := range steps {
		report, err := e.pipeline.Retention(ctx, "ops", true)
		if err != nil {
			t.Fatalf("Retention: %v", err)
		}
		if len(report.Errors) != 0 {
			t.Fatalf("errors = %v", report.Errors)
		}
		if report.LinesDeleted != step.lines || report.RecordsDeleted != step.records {
			t.Errorf("deleted lines %d records %d, want %d %d", report.LinesDeleted, report.RecordsDeleted, step.lines, step.records)
		}
		got, err := e.store.Uploads.GetAny(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetAny: %v", err)
		}
		if got.RetentionState != step.state {
			t.Fatalf("retention = %s, want %s", got.RetentionState, step.state)
		}
	}

	st, err := e.pipeline.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Lines.Total() != 0 || st.Records != 0 || st.Upload.PurgedAt == nil {
		t.Errorf("purged upload still holds data: %+v", st)
	}
}
