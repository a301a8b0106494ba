package service

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/timmy/tddf/internal/domain"
)

// seedObjects stores one blob per ownership case and returns the keys.
func seedObjects(t *testing.T, e *testEnv) (live, deleted, missing, foreign string) {
	t.Helper()
	ctx := context.Background()

	liveJob := mustUpload(t, e, "live.txt", fileOf(bhLine()))
	deletedJob := mustUpload(t, e, "gone.txt", fileOf(dtLine("00000000100")))
	if _, err := e.pipeline.SoftDelete(ctx, []string{deletedJob.ID}, "ops", true); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	missing = "uploads/00000000-0000-0000-0000-000000000000/lost.txt"
	foreign = "exports/report.csv"
	e.put(t, missing, "lost")
	e.put(t, foreign, "a,b\n")
	return liveJob.StorageKey, deletedJob.StorageKey, missing, foreign
}

func TestScanClassifiesObjects(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	live, deleted, missing, foreign := seedObjects(t, e)

	report, err := e.lifecycle.Scan(ctx, "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Scanned != 4 || report.Referenced != 1 || report.Orphaned != 2 || report.Expired != 1 {
		t.Fatalf("report = %+v", report)
	}

	tests := []struct {
		key       string
		status    domain.ObjectStatus
		purgeType domain.PurgeType
	}{
		{live, domain.ObjectActive, ""},
		{deleted, domain.ObjectOrphaned, domain.PurgeExpired},
		{missing, domain.ObjectOrphaned, domain.PurgeOrphaned},
		{foreign, domain.ObjectOrphaned, domain.PurgeOrphaned},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			obj, err := e.store.Objects.GetByKey(ctx, tt.key)
			if err != nil {
				t.Fatalf("GetByKey: %v", err)
			}
			if obj.Status != tt.status || obj.PurgeType != tt.purgeType {
				t.Errorf("status %s type %s, want %s %s", obj.Status, obj.PurgeType, tt.status, tt.purgeType)
			}
			if tt.status == domain.ObjectOrphaned && (obj.PurgeAfterDate == nil || !obj.MarkedForPurge) {
				t.Errorf("orphan not marked with a purge date: %+v", obj)
			}
		})
	}

	// A second scan changes nothing.
	again, err := e.lifecycle.Scan(ctx, "")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if again.Orphaned+again.Expired+again.Reactivated != 0 {
		t.Errorf("rescan report = %+v", again)
	}
}

func TestScanReactivatesReferencedObject(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	id := "11111111-1111-1111-1111-111111111111"
	key := domain.UploadKeyPrefix("uploads", id) + "late.txt"
	e.put(t, key, "body")

	if _, err := e.lifecycle.Scan(ctx, "uploads/"); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// The upload row shows up after the object, as with a slow intake.
	if err := e.store.Uploads.Create(ctx, &domain.UploadJob{
		ID: id, Filename: "late.txt", Phase: domain.PhaseUploading, RetentionState: domain.RetentionActive,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	report, err := e.lifecycle.Scan(ctx, "uploads/")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.Reactivated != 1 {
		t.Errorf("reactivated = %d, want 1", report.Reactivated)
	}
	obj, _ := e.store.Objects.GetByKey(ctx, key)
	if obj.Status != domain.ObjectActive || obj.MarkedForPurge {
		t.Errorf("object = %+v", obj)
	}
}

func TestPlanHonorsGracePeriod(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	now, err := e.lifecycle.Plan(ctx, time.Now().UTC(), 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(now.Candidates) != 0 {
		t.Errorf("%d candidates inside the grace period", len(now.Candidates))
	}

	later, err := e.lifecycle.Plan(ctx, time.Now().UTC().Add(2*time.Hour), 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	keys := later.Keys()
	if len(keys) != 3 {
		t.Fatalf("candidates = %v", keys)
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Errorf("candidates not ordered by key: %v", keys)
		}
	}

	limited, err := e.lifecycle.Plan(ctx, time.Now().UTC().Add(2*time.Hour), 2)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !reflect.DeepEqual(limited.Keys(), keys[:2]) {
		t.Errorf("limited plan = %v, want %v", limited.Keys(), keys[:2])
	}
}

func TestExecuteDryRunMatchesRealRun(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	live, _, missing, _ := seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	asOf := time.Now().UTC().Add(2 * time.Hour)

	if _, err := e.lifecycle.Execute(ctx, ExecuteOptions{AsOf: asOf}); !errors.Is(err, domain.ErrOperatorRequired) {
		t.Fatalf("real run without operator: err = %v", err)
	}

	dry, err := e.lifecycle.Execute(ctx, ExecuteOptions{DryRun: true, AsOf: asOf})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Purged != 0 {
		t.Errorf("dry run purged %d", dry.Purged)
	}
	if ok, _ := e.objects.Exists(ctx, missing); !ok {
		t.Fatal("dry run deleted an object")
	}

	e.objects.setFailDelete(missing, true)
	run, err := e.lifecycle.Execute(ctx, ExecuteOptions{Operator: "ops", AsOf: asOf, BatchSize: 2})
	if err != nil {
		t.Fatalf("real run: %v", err)
	}
	if !reflect.DeepEqual(dry.Plan.Keys(), run.Plan.Keys()) || dry.Plan.TotalBytes != run.Plan.TotalBytes {
		t.Errorf("dry plan %v (%d bytes) differs from real plan %v (%d bytes)",
			dry.Plan.Keys(), dry.Plan.TotalBytes, run.Plan.Keys(), run.Plan.TotalBytes)
	}
	if run.Purged != 2 || run.Failed != 1 || run.Batches != 2 {
		t.Errorf("real run = purged %d failed %d batches %d", run.Purged, run.Failed, run.Batches)
	}
	if len(run.Failures) != 1 || run.Failures[0].Key != missing {
		t.Errorf("failures = %+v", run.Failures)
	}
	if ok, _ := e.objects.Exists(ctx, live); !ok {
		t.Error("referenced object was deleted")
	}

	failedTasks, err := e.store.PurgeTasks.ListByStatus(ctx, domain.PurgeFailed, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(failedTasks) != 1 || failedTasks[0].ObjectKey != missing {
		t.Fatalf("failed tasks = %+v", failedTasks)
	}

	// The failed object is picked up again once storage recovers; purged
	// objects are not.
	e.objects.setFailDelete(missing, false)
	retry, err := e.lifecycle.Execute(ctx, ExecuteOptions{Operator: "ops", AsOf: asOf})
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if retry.Purged != 1 || retry.Failed != 0 || len(retry.Plan.Candidates) != 1 {
		t.Errorf("retry run = %+v", retry)
	}
	done, _ := e.store.PurgeTasks.ListByStatus(ctx, domain.PurgeCompleted, 10)
	if len(done) != 3 {
		t.Errorf("completed tasks = %d, want 3", len(done))
	}
	for _, tk := range done {
		if tk.ExecutedBy != "ops" {
			t.Errorf("task %s executed by %q", tk.ObjectKey, tk.ExecutedBy)
		}
	}
}

func TestPreviewAndExecutePurgesOnlyThePreviewedSet(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	live, _, _, _ := seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	asOf := time.Now().UTC().Add(2 * time.Hour)

	if _, _, err := e.lifecycle.PreviewAndExecute(ctx, ExecuteOptions{AsOf: asOf}); !errors.Is(err, domain.ErrOperatorRequired) {
		t.Fatalf("without operator: err = %v", err)
	}

	preview, result, err := e.lifecycle.PreviewAndExecute(ctx, ExecuteOptions{Operator: "nightly", AsOf: asOf, Limit: 2})
	if err != nil {
		t.Fatalf("PreviewAndExecute: %v", err)
	}
	if !preview.DryRun || result.DryRun {
		t.Fatalf("dry run flags preview=%v result=%v", preview.DryRun, result.DryRun)
	}
	if len(preview.Plan.Candidates) != 2 {
		t.Fatalf("preview = %v", preview.Plan.Keys())
	}
	if !reflect.DeepEqual(preview.Plan.Keys(), result.Plan.Keys()) {
		t.Errorf("executed %v, previewed %v", result.Plan.Keys(), preview.Plan.Keys())
	}
	if result.Purged != 2 || result.Operator != "nightly" {
		t.Errorf("result = purged %d operator %q", result.Purged, result.Operator)
	}
	for _, key := range preview.Plan.Keys() {
		if ok, _ := e.objects.Exists(ctx, key); ok {
			t.Errorf("previewed object %s still stored", key)
		}
	}
	if ok, _ := e.objects.Exists(ctx, live); !ok {
		t.Error("referenced object was deleted")
	}

	// The third due object waits for the next run; nothing is left after it.
	_, next, err := e.lifecycle.PreviewAndExecute(ctx, ExecuteOptions{Operator: "nightly", AsOf: asOf})
	if err != nil || next == nil || next.Purged != 1 {
		t.Fatalf("second run = %+v, %v", next, err)
	}
	preview, result, err = e.lifecycle.PreviewAndExecute(ctx, ExecuteOptions{Operator: "nightly", AsOf: asOf})
	if err != nil || len(preview.Plan.Candidates) != 0 || result != nil {
		t.Errorf("empty run = %+v, %+v, %v", preview, result, err)
	}
}

func TestExecuteRestrictedToKeys(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, _, missing, foreign := seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	asOf := time.Now().UTC().Add(2 * time.Hour)

	run, err := e.lifecycle.Execute(ctx, ExecuteOptions{Operator: "ops", AsOf: asOf, Keys: []string{missing, "not/planned"}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reflect.DeepEqual(run.Plan.Keys(), []string{missing}) || run.Plan.TotalBytes != int64(len("lost")) {
		t.Errorf("plan = %v (%d bytes)", run.Plan.Keys(), run.Plan.TotalBytes)
	}
	if ok, _ := e.objects.Exists(ctx, foreign); !ok {
		t.Error("object outside the key set was purged")
	}
}

func TestExecuteSkipsObjectReferencedAgain(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, deleted, _, _ := seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	// Undo the soft delete behind the manager's back.
	obj, _ := e.store.Objects.GetByKey(ctx, deleted)
	err := e.store.DB().Unscoped().Model(&domain.UploadJob{}).
		Where("id = ?", *obj.UploadID).
		Updates(map[string]interface{}{"deleted_at": nil, "retention_state": domain.RetentionActive}).Error
	if err != nil {
		t.Fatalf("restore upload: %v", err)
	}

	res, err := e.lifecycle.Execute(ctx, ExecuteOptions{Operator: "ops", AsOf: time.Now().UTC().Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Skipped != 1 || res.Purged != 2 {
		t.Errorf("skipped %d purged %d", res.Skipped, res.Purged)
	}
	if ok, _ := e.objects.Exists(ctx, deleted); !ok {
		t.Error("re-referenced object deleted")
	}
}

func TestScheduleDue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	seedObjects(t, e)
	if _, err := e.lifecycle.Scan(ctx, ""); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	asOf := time.Now().UTC().Add(2 * time.Hour)

	for i, want := range []int{3, 0} {
		n, err := e.lifecycle.ScheduleDue(ctx, asOf)
		if err != nil {
			t.Fatalf("ScheduleDue: %v", err)
		}
		if n != want {
			t.Errorf("run %d scheduled %d, want %d", i, n, want)
		}
	}

	_, tasks, err := e.lifecycle.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if tasks[domain.PurgeScheduled] != 3 {
		t.Errorf("scheduled tasks = %d", tasks[domain.PurgeScheduled])
	}
}
