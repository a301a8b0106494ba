package domain

import (
	"time"

	"gorm.io/datatypes"
)

// LineStatus is the processing outcome of a raw line. It only moves forward
// from pending to exactly one of the other values.
type LineStatus string

const (
	LineStatusPending   LineStatus = "pending"
	LineStatusProcessed LineStatus = "processed"
	LineStatusSkipped   LineStatus = "skipped"
	LineStatusError     LineStatus = "error"
)

// RawLine is one physical line of an uploaded file, staged for decoding.
type RawLine struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SourceFileID     string     `gorm:"type:varchar(36);not null" json:"source_file_id"`
	LineNumber       int        `gorm:"not null" json:"line_number"`
	RecordType       string     `gorm:"type:varchar(4)" json:"record_type"`
	RawText          string     `gorm:"type:text;not null" json:"raw_text"`
	// Set when NUL or invalid UTF-8 bytes were replaced before staging.
	Sanitized        bool       `gorm:"default:false" json:"sanitized,omitempty"`
	ProcessingStatus LineStatus `gorm:"type:varchar(12);not null;default:pending" json:"processing_status"`
	SkipReason       string     `gorm:"type:varchar(255)" json:"skip_reason,omitempty"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
	ClaimToken       *string    `gorm:"type:varchar(36)" json:"-"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// DecodedRecord is the structured form of one processed line. Rows are
// unique on (upload_id, line_number, processing_date).
type DecodedRecord struct {
	ID                    int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	UploadID              string            `gorm:"type:varchar(36);not null" json:"upload_id"`
	Filename              string            `gorm:"type:varchar(512)" json:"filename"`
	RecordType            string            `gorm:"type:varchar(4);not null;index" json:"record_type"`
	LineNumber            int               `gorm:"not null" json:"line_number"`
	RawLine               string            `gorm:"type:text;not null" json:"raw_line"`
	ExtractedFields       datatypes.JSONMap `json:"extracted_fields"`
	RepairFlags           datatypes.JSON    `json:"repair_flags,omitempty"`
	RawLineHash           string            `gorm:"type:varchar(64);not null;index" json:"raw_line_hash"`
	MerchantAccountNumber string            `gorm:"type:varchar(32);index" json:"merchant_account_number,omitempty"`
	TerminalID            string            `gorm:"type:varchar(16);index" json:"terminal_id,omitempty"`
	ProcessingDate        time.Time         `gorm:"type:date;not null;index" json:"processing_date"`
	LayoutVersion         string            `gorm:"type:varchar(16)" json:"layout_version"`
	ParsedAt              time.Time         `json:"parsed_at"`
}

// UnknownBusinessDate is stored when neither the record nor the filename
// carries a usable date. It routes rows to the default partition.
var UnknownBusinessDate = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)
