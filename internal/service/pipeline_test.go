package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/timmy/tddf/internal/domain"
)

func TestThreeLineFileReachesEncoded(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// The third line is cut off at 50 bytes, before the amount.
	first := tddfLine("DT", map[int]string{85: "01152025", 93: "00000012599", 214: "05", 249: "T0001234"})
	body := fileOf(first, bhLine(), dtLine("00000000100")[:50])
	job := mustUpload(t, e, "TDDF_01152025_001.TSYSO", body)
	if job.Phase != domain.PhaseUploaded {
		t.Fatalf("phase after upload = %s", job.Phase)
	}
	if job.ContentHash == "" || job.BytesReceived != int64(len(body)) {
		t.Errorf("hash %q, bytes %d", job.ContentHash, job.BytesReceived)
	}

	job = mustAdvance(t, e, job.ID, domain.PhaseIdentified)
	if job.DetectedType != DetectedTypeTDDF || job.TypeMismatch {
		t.Errorf("detected %q mismatch %v", job.DetectedType, job.TypeMismatch)
	}

	// Loading leaves the upload encoding until the processor drains it.
	job = mustAdvance(t, e, job.ID, domain.PhaseEncoding)
	if job.LoadedAt == nil || job.LineCount != 3 {
		t.Fatalf("loaded_at %v, line_count %d", job.LoadedAt, job.LineCount)
	}

	stats, err := e.processor.Run(ctx, job.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 2 || stats.Errors != 1 || stats.Skipped != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.ByRecordType["DT"].Errors != 1 || stats.ByRecordType["BH"].Processed != 1 {
		t.Errorf("by record type = %+v", stats.ByRecordType)
	}

	job = mustAdvance(t, e, job.ID, domain.PhaseEncoded)
	if job.ProcessedCount != 2 || job.ErrorCount != 1 || job.SkippedCount != 0 {
		t.Errorf("counts processed=%d error=%d skipped=%d", job.ProcessedCount, job.ErrorCount, job.SkippedCount)
	}

	records, err := e.store.Records.CountByUpload(ctx, job.ID)
	if err != nil {
		t.Fatalf("CountByUpload: %v", err)
	}
	if records != 2 {
		t.Errorf("records = %d, want 2", records)
	}

	rec, err := e.store.Records.GetByKey(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if rec.MerchantAccountNumber != "0675900000002881" || rec.TerminalID != "T0001234" {
		t.Errorf("record = %+v", rec)
	}
	if got := rec.ExtractedFields["pos_entry_mode"]; got != "05" {
		t.Errorf("pos_entry_mode = %v, want 05", got)
	}
	if rec.ExtractedFields["transaction_amount"] != "00000012599" {
		t.Errorf("transaction_amount = %v", rec.ExtractedFields["transaction_amount"])
	}
	if want := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC); !rec.ProcessingDate.Equal(want) {
		t.Errorf("processing date = %v, want %v", rec.ProcessingDate, want)
	}

	job = mustAdvance(t, e, job.ID, domain.PhaseCompleted)
	if job.CompletedAt == nil || job.EncodedAt == nil {
		t.Errorf("phase timestamps not recorded: %+v", job)
	}
}

func TestAdvanceMovesEveryEligibleUpload(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	a := mustUpload(t, e, "a_01152025.txt", fileOf(bhLine()))
	b := mustUpload(t, e, "b_01152025.txt", fileOf(dtLine("00000000100"), bhLine()))

	if _, err := e.pipeline.Advance(ctx); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if _, err := e.processor.Run(ctx, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	stats, err := e.pipeline.Advance(ctx)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if stats.Failed != 0 {
		t.Errorf("failed = %d", stats.Failed)
	}
	for _, id := range []string{a.ID, b.ID} {
		job, err := e.store.Uploads.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.Phase != domain.PhaseCompleted {
			t.Errorf("%s phase = %s, want completed", job.Filename, job.Phase)
		}
	}

	if err := e.pipeline.RefreshPhaseGauge(ctx); err != nil {
		t.Fatalf("RefreshPhaseGauge: %v", err)
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		declared     string
		wantErr      error
		wantMismatch bool
	}{
		{name: "tddf", body: fileOf(dtLine("00000000100"), bhLine()), declared: "tddf"},
		{name: "declared other type", body: fileOf(bhLine()), declared: "csv", wantMismatch: true},
		{name: "plain text", body: "merchant,amount\nacme hardware store,12.99\n", wantErr: domain.ErrUnrecognizedFileType},
		{name: "mostly unknown", body: fileOf(bhLine(), strings.Repeat("x", 40), strings.Repeat("y", 40)), wantErr: domain.ErrUnrecognizedFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			job, err := e.pipeline.SingleShot(ctx, StartRequest{Filename: "f.txt", DeclaredType: tt.declared}, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("SingleShot: %v", err)
			}

			_, err = e.pipeline.AdvanceUpload(ctx, job.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				job, _ = e.store.Uploads.GetByID(ctx, job.ID)
				if job.Phase != domain.PhaseError || job.CanRetry || job.FailedPhase != domain.PhaseUploaded {
					t.Errorf("phase %s can_retry %v failed_phase %s", job.Phase, job.CanRetry, job.FailedPhase)
				}
				return
			}
			if err != nil {
				t.Fatalf("AdvanceUpload: %v", err)
			}
			job, _ = e.store.Uploads.GetByID(ctx, job.ID)
			if job.TypeMismatch != tt.wantMismatch {
				t.Errorf("type_mismatch = %v, want %v", job.TypeMismatch, tt.wantMismatch)
			}
			if tt.wantMismatch && job.WarningCount != 1 {
				t.Errorf("warning_count = %d, want 1", job.WarningCount)
			}
		})
	}
}

func TestLoadResumesAfterStagedLines(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	lines := []string{bhLine(), "", dtLine("00000000100"), dtLine("00000000200")}
	job := mustUpload(t, e, "resume_01152025.txt", fileOf(lines...))
	mustAdvance(t, e, job.ID, domain.PhaseIdentified)

	// A previous attempt staged the first line before failing.
	if err := e.store.Lines.BulkInsert(ctx, []domain.RawLine{
		{SourceFileID: job.ID, LineNumber: 1, RecordType: "BH", RawText: lines[0]},
	}); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}

	job = mustAdvance(t, e, job.ID, domain.PhaseEncoding)
	if job.LineCount != 3 {
		t.Errorf("line_count = %d, want 3 (blank line not staged)", job.LineCount)
	}
	maxLine, err := e.store.Lines.MaxLineNumber(ctx, job.ID)
	if err != nil {
		t.Fatalf("MaxLineNumber: %v", err)
	}
	if maxLine != 4 {
		t.Errorf("max line = %d, want 4", maxLine)
	}
}

func TestFailureRetryAndBudget(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	body := fileOf(bhLine())

	job, err := e.pipeline.Start(ctx, StartRequest{Filename: "retry.txt", FileSize: int64(len(body)) + 5})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = e.pipeline.ReceiveFile(ctx, job.ID, strings.NewReader(body), -1)
	if !errors.Is(err, domain.ErrSizeMismatch) {
		t.Fatalf("err = %v, want size mismatch", err)
	}
	job, _ = e.store.Uploads.GetByID(ctx, job.ID)
	if job.Phase != domain.PhaseError || !job.CanRetry || job.RetryCount != 1 || job.NextRetryAt == nil {
		t.Fatalf("after failure: %+v", job)
	}

	// Not due yet.
	n, err := e.pipeline.RetryDue(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RetryDue = %d, %v", n, err)
	}
	e.pipeline.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err = e.pipeline.RetryDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RetryDue = %d, %v", n, err)
	}
	job, _ = e.store.Uploads.GetByID(ctx, job.ID)
	if job.Phase != domain.PhaseUploading {
		t.Fatalf("phase after retry = %s", job.Phase)
	}

	// Exhaust the budget.
	for i := 0; i < 2; i++ {
		if _, err := e.pipeline.ReceiveFile(ctx, job.ID, strings.NewReader(body), -1); err == nil {
			t.Fatal("expected size mismatch")
		}
		if i == 0 {
			if _, err := e.pipeline.Retry(ctx, job.ID); err != nil {
				t.Fatalf("Retry: %v", err)
			}
		}
	}
	job, _ = e.store.Uploads.GetByID(ctx, job.ID)
	if job.RetryCount != 3 || job.CanRetry {
		t.Errorf("retry_count %d can_retry %v", job.RetryCount, job.CanRetry)
	}
	if _, err := e.pipeline.Retry(ctx, job.ID); !errors.Is(err, domain.ErrRetryExhausted) {
		t.Errorf("Retry err = %v, want ErrRetryExhausted", err)
	}
}

func TestDuplicateFiles(t *testing.T) {
	body := fileOf(bhLine())

	t.Run("rejected", func(t *testing.T) {
		e := newTestEnv(t)
		first := mustUpload(t, e, "one.txt", body)
		_, err := e.pipeline.SingleShot(context.Background(), StartRequest{Filename: "two.txt"}, strings.NewReader(body))
		var dup *DuplicateError
		if !errors.As(err, &dup) || dup.ExistingID != first.ID {
			t.Fatalf("err = %v, want duplicate of %s", err, first.ID)
		}
		if !errors.Is(err, domain.ErrDuplicateIngestion) {
			t.Errorf("err does not wrap ErrDuplicateIngestion")
		}
	})

	t.Run("accepted with warning", func(t *testing.T) {
		e := newTestEnv(t)
		e.pipeline.cfg.RejectDuplicateFiles = false
		first := mustUpload(t, e, "one.txt", body)
		second := mustUpload(t, e, "two.txt", body)
		if second.DuplicateOf != first.ID || second.WarningCount != 1 {
			t.Errorf("duplicate_of %q warnings %d", second.DuplicateOf, second.WarningCount)
		}
	})
}

func TestChunkedUpload(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	body := fileOf(bhLine(), dtLine("00000000100"), bhLine())
	chunks := []string{body[:200], body[200:500], body[500:]}

	job, err := e.pipeline.Start(ctx, StartRequest{Filename: "chunked.txt", FileSize: int64(len(body)), ChunkCount: 3})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Out of order, with a resend.
	for _, idx := range []int{2, 0, 0} {
		progress, err := e.pipeline.ReceiveChunk(ctx, job.ID, idx, 3, strings.NewReader(chunks[idx]), int64(len(chunks[idx])))
		if err != nil {
			t.Fatalf("ReceiveChunk %d: %v", idx, err)
		}
		if progress.Complete {
			t.Fatalf("complete after chunk %d", idx)
		}
	}
	progress, err := e.pipeline.ReceiveChunk(ctx, job.ID, 1, 3, strings.NewReader(chunks[1]), int64(len(chunks[1])))
	if err != nil {
		t.Fatalf("ReceiveChunk 1: %v", err)
	}
	if !progress.Complete || progress.Job.Phase != domain.PhaseUploaded {
		t.Fatalf("progress = %+v", progress)
	}

	rc, err := e.objects.Download(ctx, progress.Job.StorageKey)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, []byte(body)) {
		t.Error("assembled object differs from original body")
	}

	left, err := e.objects.List(ctx, domain.UploadKeyPrefix("uploads", job.ID)+"chunks/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("%d chunks left after assembly", len(left))
	}

	if _, err := e.pipeline.ReceiveChunk(ctx, job.ID, 5, 3, strings.NewReader("x"), 1); err == nil {
		t.Error("out of range chunk accepted")
	}
}

func TestChunkAssemblyRunsOnce(t *testing.T) {
	ctx := context.Background()
	body := fileOf(bhLine(), dtLine("00000000100"))
	chunks := []string{body[:300], body[300:]}

	t.Run("concurrent last chunk", func(t *testing.T) {
		e := newTestEnv(t)
		job, err := e.pipeline.Start(ctx, StartRequest{Filename: "race.txt", FileSize: int64(len(body)), ChunkCount: 2})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if _, err := e.pipeline.ReceiveChunk(ctx, job.ID, 0, 2, strings.NewReader(chunks[0]), int64(len(chunks[0]))); err != nil {
			t.Fatalf("ReceiveChunk 0: %v", err)
		}

		// Another request holds the assembly.
		claimed, err := e.store.Uploads.ClaimAssembly(ctx, job.ID)
		if err != nil || !claimed {
			t.Fatalf("ClaimAssembly = %v, %v", claimed, err)
		}
		if again, _ := e.store.Uploads.ClaimAssembly(ctx, job.ID); again {
			t.Fatal("assembly claimed twice")
		}

		progress, err := e.pipeline.ReceiveChunk(ctx, job.ID, 1, 2, strings.NewReader(chunks[1]), int64(len(chunks[1])))
		if err != nil {
			t.Fatalf("ReceiveChunk 1: %v", err)
		}
		if progress.Complete || progress.Received != 2 {
			t.Errorf("progress = %+v", progress)
		}
		got, err := e.store.Uploads.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Phase != domain.PhaseUploading || got.RetryCount != 0 {
			t.Errorf("phase %s retries %d", got.Phase, got.RetryCount)
		}
		left, _ := e.objects.List(ctx, domain.UploadKeyPrefix("uploads", job.ID)+"chunks/")
		if len(left) != 2 {
			t.Errorf("%d chunks stored, want 2", len(left))
		}

		// A failed assembly releases the claim for the retry.
		if _, err := e.store.Uploads.Fail(ctx, job.ID, "assembly died", true, 3, time.Second); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		if _, err := e.store.Uploads.Retry(ctx, job.ID, 3); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if claimed, _ := e.store.Uploads.ClaimAssembly(ctx, job.ID); !claimed {
			t.Error("claim not released by failure")
		}
	})

	t.Run("late resend after assembly", func(t *testing.T) {
		e := newTestEnv(t)
		job, err := e.pipeline.Start(ctx, StartRequest{Filename: "late.txt", FileSize: int64(len(body)), ChunkCount: 2})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		for idx := range chunks {
			if _, err := e.pipeline.ReceiveChunk(ctx, job.ID, idx, 2, strings.NewReader(chunks[idx]), int64(len(chunks[idx]))); err != nil {
				t.Fatalf("ReceiveChunk %d: %v", idx, err)
			}
		}

		_, err = e.pipeline.ReceiveChunk(ctx, job.ID, 1, 2, strings.NewReader(chunks[1]), int64(len(chunks[1])))
		if !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("resend error = %v, want ErrInvalidTransition", err)
		}
		got, err := e.store.Uploads.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.Phase != domain.PhaseUploaded || got.RetryCount != 0 || got.Assembling {
			t.Errorf("phase %s retries %d assembling %v", got.Phase, got.RetryCount, got.Assembling)
		}
	})
}

func TestStagingReplacesInvalidBytes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	dirty := tddfLine("DT", map[int]string{85: "01152025", 93: "00000012599", 218: "CAF\xc9\x00BAR", 249: "T0001234"})
	job := mustUpload(t, e, "latin1.txt", fileOf(dirty, bhLine()))
	mustAdvance(t, e, job.ID, domain.PhaseIdentified)
	mustAdvance(t, e, job.ID, domain.PhaseEncoding)

	got, err := e.store.Uploads.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.LineCount != 2 || got.WarningCount != 1 {
		t.Errorf("line_count %d warnings %d", got.LineCount, got.WarningCount)
	}

	stats, err := e.processor.Run(ctx, job.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 2 || stats.Errors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	rec, err := e.store.Records.GetByKey(ctx, job.ID, 1)
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if !utf8.ValidString(rec.RawLine) || strings.ContainsRune(rec.RawLine, 0) || len(rec.RawLine) != len(dirty) {
		t.Errorf("raw line not sanitized in place: %q", rec.RawLine)
	}
	if rec.ExtractedFields["merchant_name"] != "CAF? BAR" || rec.TerminalID != "T0001234" {
		t.Errorf("fields = %v", rec.ExtractedFields)
	}
	if !strings.Contains(string(rec.RepairFlags), `"raw_text"`) {
		t.Errorf("repair flags = %s", rec.RepairFlags)
	}
}

func TestSummary(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	mustUpload(t, e, "a.txt", fileOf(bhLine()))
	if _, err := e.pipeline.Start(ctx, StartRequest{Filename: "b.txt"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bad, err := e.pipeline.SingleShot(ctx, StartRequest{Filename: "c.txt"}, strings.NewReader("not a tddf file at all\n"))
	if err != nil {
		t.Fatalf("SingleShot: %v", err)
	}
	e.pipeline.AdvanceUpload(ctx, bad.ID)

	s, err := e.pipeline.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Pending != 2 || s.Failed != 1 || s.Processing != 0 {
		t.Errorf("summary = %+v", s)
	}

	st, err := e.pipeline.Status(ctx, bad.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Upload.LastFailureReason == "" {
		t.Error("failure reason not reported")
	}
}
