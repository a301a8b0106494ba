package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransitionForwardChain(t *testing.T) {
	chain := []Phase{
		PhaseStarted, PhaseUploading, PhaseUploaded, PhaseIdentified,
		PhaseEncoding, PhaseEncoded, PhaseProcessing, PhaseCompleted, PhaseArchived,
	}
	for i := 0; i < len(chain)-1; i++ {
		if !CanTransition(chain[i], chain[i+1]) {
			t.Errorf("%s -> %s should be legal", chain[i], chain[i+1])
		}
	}
}

func TestCanTransitionRejectsSkipsAndBackwards(t *testing.T) {
	testCases := []struct {
		from, to Phase
	}{
		{PhaseStarted, PhaseUploaded},
		{PhaseUploaded, PhaseEncoding},
		{PhaseEncoding, PhaseCompleted},
		{PhaseEncoded, PhaseEncoding},
		{PhaseCompleted, PhaseProcessing},
		{PhaseArchived, PhaseCompleted},
		{PhaseError, PhaseUploading},
		{PhaseStarted, PhaseArchived},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s->%s", tc.from, tc.to), func(t *testing.T) {
			if CanTransition(tc.from, tc.to) {
				t.Fatalf("%s -> %s should be rejected", tc.from, tc.to)
			}
		})
	}
}

func TestErrorReachableFromEveryActivePhase(t *testing.T) {
	for _, p := range AllPhases {
		got := CanTransition(p, PhaseError)
		want := !p.IsTerminal()
		if got != want {
			t.Errorf("CanTransition(%s, error) = %v, want %v", p, got, want)
		}
	}
}

func TestRetryEligible(t *testing.T) {
	testCases := []struct {
		name string
		job  UploadJob
		want bool
	}{
		{"retryable", UploadJob{Phase: PhaseError, CanRetry: true, FailedPhase: PhaseEncoding, RetryCount: 1}, true},
		{"budget exhausted", UploadJob{Phase: PhaseError, CanRetry: true, FailedPhase: PhaseEncoding, RetryCount: 3}, false},
		{"not retryable", UploadJob{Phase: PhaseError, CanRetry: false, FailedPhase: PhaseIdentified, RetryCount: 1}, false},
		{"not errored", UploadJob{Phase: PhaseEncoding, CanRetry: true, FailedPhase: PhaseEncoding}, false},
		{"unknown failed phase", UploadJob{Phase: PhaseError, CanRetry: true, RetryCount: 1}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.job.RetryEligible(3); got != tc.want {
				t.Fatalf("RetryEligible() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRetentionOrder(t *testing.T) {
	if !CanAdvanceRetention(RetentionActive, RetentionSoftDeleted) {
		t.Error("active -> soft_deleted should be legal")
	}
	if !CanAdvanceRetention(RetentionPurgeEligible, RetentionPurged) {
		t.Error("purge_eligible -> purged should be legal")
	}
	if CanAdvanceRetention(RetentionActive, RetentionPurged) {
		t.Error("active -> purged must not skip states")
	}
	if CanAdvanceRetention(RetentionPurged, RetentionActive) {
		t.Error("purged is final")
	}
}

func TestObjectKeys(t *testing.T) {
	if got := ChunkKey("uploads", "abc", 7); got != "uploads/abc/chunks/000007" {
		t.Errorf("ChunkKey = %q", got)
	}
	testCases := []struct {
		key    string
		wantID string
		wantOK bool
	}{
		{"uploads/abc/file.TSYSO", "abc", true},
		{"uploads/abc/chunks/000001", "abc", true},
		{"uploads/file.TSYSO", "", false},
		{"other/abc/file", "", false},
		{"uploads//file", "", false},
	}
	for _, tc := range testCases {
		id, ok := UploadIDFromKey("uploads", tc.key)
		if id != tc.wantID || ok != tc.wantOK {
			t.Errorf("UploadIDFromKey(%q) = (%q, %v), want (%q, %v)", tc.key, id, ok, tc.wantID, tc.wantOK)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(fmt.Errorf("sniff: %w", ErrUnrecognizedFileType)) {
		t.Error("unrecognized type must not be retried")
	}
	if !IsTransient(fmt.Errorf("put: %w", ErrTransientIO)) {
		t.Error("io failures are retryable")
	}
	if !IsTransient(errors.New("connection reset")) {
		t.Error("unclassified errors default to retryable")
	}
	if IsTransient(nil) {
		t.Error("nil is not a failure")
	}
}
