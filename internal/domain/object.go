package domain

import "time"

// ObjectStatus is the tracked state of a blob in object storage.
type ObjectStatus string

const (
	ObjectActive   ObjectStatus = "active"
	ObjectOrphaned ObjectStatus = "orphaned"
	ObjectPurged   ObjectStatus = "purged"
)

// PurgeType records why a blob is being reclaimed.
type PurgeType string

const (
	// PurgeOrphaned: no upload references the blob at all.
	PurgeOrphaned PurgeType = "orphaned"
	// PurgeExpired: the owning upload was soft-deleted.
	PurgeExpired PurgeType = "expired"
)

// StorageObject is the database view of one blob in the bucket.
type StorageObject struct {
	ID             string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	ObjectKey      string       `gorm:"type:varchar(1024);not null;uniqueIndex" json:"object_key"`
	Size           int64        `gorm:"not null;default:0" json:"size"`
	LineCount      int64        `gorm:"default:0" json:"line_count"`
	UploadID       *string      `gorm:"type:varchar(36);index" json:"upload_id,omitempty"`
	Status         ObjectStatus `gorm:"type:varchar(12);not null;default:active;index" json:"status"`
	PurgeType      PurgeType    `gorm:"type:varchar(12)" json:"purge_type,omitempty"`
	MarkedForPurge bool         `gorm:"not null;default:false;index" json:"marked_for_purge"`
	PurgeAfterDate *time.Time   `json:"purge_after_date,omitempty"`
	FirstSeenAt    time.Time    `json:"first_seen_at"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
	PurgedAt       *time.Time   `json:"purged_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// PurgeTaskStatus is the lifecycle of one purge attempt.
type PurgeTaskStatus string

const (
	PurgeScheduled  PurgeTaskStatus = "scheduled"
	PurgeInProgress PurgeTaskStatus = "in_progress"
	PurgeCompleted  PurgeTaskStatus = "completed"
	PurgeFailed     PurgeTaskStatus = "failed"
)

// PurgeTask is a unit of blob deletion work. A failed task can be picked up
// again by a later run; a completed task is never re-run.
type PurgeTask struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	StorageObjectID string          `gorm:"type:varchar(36);not null;index" json:"storage_object_id"`
	ObjectKey       string          `gorm:"type:varchar(1024);not null" json:"object_key"`
	Size            int64           `json:"size"`
	PurgeType       PurgeType       `gorm:"type:varchar(12);not null" json:"purge_type"`
	Reason          string          `gorm:"type:varchar(255)" json:"reason"`
	ScheduledDate   time.Time       `gorm:"not null" json:"scheduled_date"`
	Status          PurgeTaskStatus `gorm:"type:varchar(12);not null;default:scheduled;index" json:"status"`
	Attempts        int             `gorm:"not null;default:0" json:"attempts"`
	LastError       string          `gorm:"type:text" json:"last_error,omitempty"`
	ExecutedBy      string          `gorm:"type:varchar(128)" json:"executed_by,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
