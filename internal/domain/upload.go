package domain

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Phase is a step of the upload pipeline.
type Phase string

const (
	PhaseStarted    Phase = "started"
	PhaseUploading  Phase = "uploading"
	PhaseUploaded   Phase = "uploaded"
	PhaseIdentified Phase = "identified"
	PhaseEncoding   Phase = "encoding"
	PhaseEncoded    Phase = "encoded"
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
	PhaseArchived   Phase = "archived"
)

// forward lists the legal non-error successors of each phase.
var forward = map[Phase][]Phase{
	PhaseStarted:    {PhaseUploading},
	PhaseUploading:  {PhaseUploaded},
	PhaseUploaded:   {PhaseIdentified},
	PhaseIdentified: {PhaseEncoding},
	PhaseEncoding:   {PhaseEncoded},
	PhaseEncoded:    {PhaseProcessing},
	PhaseProcessing: {PhaseCompleted},
	PhaseCompleted:  {PhaseArchived},
}

// AllPhases lists phases in pipeline order, error and archived last.
var AllPhases = []Phase{
	PhaseStarted, PhaseUploading, PhaseUploaded, PhaseIdentified, PhaseEncoding,
	PhaseEncoded, PhaseProcessing, PhaseCompleted, PhaseError, PhaseArchived,
}

// IsTerminal reports whether no forward transition leaves p.
// An errored upload is terminal unless retried.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseArchived, PhaseError:
		return true
	}
	return false
}

// IsActive reports whether an upload in phase p is still moving through the
// pipeline and can therefore become stuck.
func (p Phase) IsActive() bool {
	return !p.IsTerminal()
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	for _, known := range AllPhases {
		if p == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is a legal pipeline step.
// error is reachable from every non-terminal phase. Leaving error is a retry
// and goes through RetryEligible instead.
func CanTransition(from, to Phase) bool {
	if to == PhaseError {
		return from.IsActive()
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActivePhases returns the non-terminal phases.
func ActivePhases() []Phase {
	var out []Phase
	for _, p := range AllPhases {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out
}

// RetentionState tracks an upload's data retention independently of its phase.
type RetentionState string

const (
	RetentionActive        RetentionState = "active"
	RetentionSoftDeleted   RetentionState = "soft_deleted"
	RetentionPurgeEligible RetentionState = "purge_eligible"
	RetentionPurged        RetentionState = "purged"
)

var retentionNext = map[RetentionState]RetentionState{
	RetentionActive:        RetentionSoftDeleted,
	RetentionSoftDeleted:   RetentionPurgeEligible,
	RetentionPurgeEligible: RetentionPurged,
}

// CanAdvanceRetention reports whether from -> to is the single legal step.
func CanAdvanceRetention(from, to RetentionState) bool {
	return retentionNext[from] == to
}

// UploadJob tracks one submitted file through the pipeline.
type UploadJob struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Filename     string     `gorm:"type:varchar(512);not null" json:"filename"`
	FileSize     int64      `gorm:"not null;default:0" json:"file_size"`
	DeclaredType string     `gorm:"type:varchar(32)" json:"declared_type,omitempty"`
	DetectedType string     `gorm:"type:varchar(32)" json:"detected_type,omitempty"`
	TypeMismatch bool       `gorm:"default:false" json:"type_mismatch"`
	ContentHash  string     `gorm:"type:varchar(64);index" json:"content_hash,omitempty"`
	StorageKey   string     `gorm:"type:varchar(1024)" json:"storage_key,omitempty"`
	BusinessDate *time.Time `gorm:"type:date" json:"business_date,omitempty"`
	UploadedBy   string     `gorm:"type:varchar(128)" json:"uploaded_by,omitempty"`
	DuplicateOf  string     `gorm:"type:varchar(36)" json:"duplicate_of,omitempty"`

	Phase       Phase `gorm:"type:varchar(20);not null;default:started;index" json:"phase"`
	FailedPhase Phase `gorm:"type:varchar(20)" json:"failed_phase,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	UploadingAt  *time.Time `json:"uploading_at,omitempty"`
	UploadedAt   *time.Time `json:"uploaded_at,omitempty"`
	IdentifiedAt *time.Time `json:"identified_at,omitempty"`
	EncodingAt   *time.Time `json:"encoding_at,omitempty"`
	EncodedAt    *time.Time `json:"encoded_at,omitempty"`
	ProcessingAt *time.Time `json:"processing_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErroredAt    *time.Time `json:"errored_at,omitempty"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
	// Set once every line of the blob is staged as a raw line.
	LoadedAt *time.Time `json:"loaded_at,omitempty"`

	RetryCount        int        `gorm:"not null;default:0" json:"retry_count"`
	CanRetry          bool       `gorm:"default:false" json:"can_retry"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	LastFailureReason string     `gorm:"type:text" json:"last_failure_reason,omitempty"`
	WarningCount      int        `gorm:"not null;default:0" json:"warning_count"`
	LastWarning       string     `gorm:"type:text" json:"last_warning,omitempty"`

	ChunkCount     int   `gorm:"default:0" json:"chunk_count"`
	ChunksUploaded int   `gorm:"default:0" json:"chunks_uploaded"`
	BytesReceived  int64 `gorm:"default:0" json:"bytes_received"`
	// Held by the one request concatenating chunks into the final object.
	Assembling bool `gorm:"default:false" json:"assembling,omitempty"`

	LineCount      int64 `gorm:"default:0" json:"line_count"`
	ProcessedCount int64 `gorm:"default:0" json:"processed_count"`
	SkippedCount   int64 `gorm:"default:0" json:"skipped_count"`
	ErrorCount     int64 `gorm:"default:0" json:"error_count"`

	Archived       bool           `gorm:"default:false" json:"archived"`
	RetentionState RetentionState `gorm:"type:varchar(20);not null;default:active;index" json:"retention_state"`
	DeletedBy      string         `gorm:"type:varchar(128)" json:"deleted_by,omitempty"`
	PurgedAt       *time.Time     `json:"purged_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// PhaseColumn returns the timestamp column recording entry into p.
func PhaseColumn(p Phase) string {
	switch p {
	case PhaseError:
		return "errored_at"
	default:
		return string(p) + "_at"
	}
}

// RetryEligible reports whether the job may re-enter its failed phase given
// the retry bound.
func (j *UploadJob) RetryEligible(maxRetries int) bool {
	return j.Phase == PhaseError && j.CanRetry && j.FailedPhase != "" && j.RetryCount < maxRetries
}

// ChunkKey is the object key of one uploaded chunk.
func ChunkKey(prefix, uploadID string, index int) string {
	return UploadKeyPrefix(prefix, uploadID) + fmt.Sprintf("chunks/%06d", index)
}

// UploadKeyPrefix is the object key prefix owned by one upload.
func UploadKeyPrefix(prefix, uploadID string) string {
	return prefix + "/" + uploadID + "/"
}

// UploadIDFromKey extracts the owning upload id from a key laid out as
// "<prefix>/<upload_id>/...". ok is false for keys outside that layout.
func UploadIDFromKey(prefix, key string) (id string, ok bool) {
	rest, found := strings.CutPrefix(key, prefix+"/")
	if !found {
		return "", false
	}
	id, _, found = strings.Cut(rest, "/")
	if !found || id == "" {
		return "", false
	}
	return id, true
}
