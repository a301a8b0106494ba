package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/namespace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RecordRepository stores decoded records in the partitioned ingestion table.
type RecordRepository struct {
	db    *gorm.DB
	table string
}

// NewRecordRepository creates a new RecordRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - ns: namespace used to address tables in raw statements.
//
// Returns:
//   - *RecordRepository: repository instance bound to db.
func NewRecordRepository(db *gorm.DB, ns *namespace.Namespace) *RecordRepository {
	return &RecordRepository{db: db, table: ns.Table("decoded_records")}
}

// InsertBatch inserts records, silently skipping any whose
// (upload_id, line_number, processing_date) key already exists.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - records: records to insert.
//
// Returns:
//   - int64: number of rows actually inserted.
//   - error: non-nil if the insert fails.
func (r *RecordRepository) InsertBatch(ctx context.Context, records []domain.DecodedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(records, 200)
	return res.RowsAffected, res.Error
}

// RecordFilter narrows record queries.
type RecordFilter struct {
	RecordType            string
	MerchantAccountNumber string
	TerminalID            string
	Limit                 int
	Offset                int
}

// ListByDateRange returns records with processing_date in [from, to),
// ordered by date, upload and line.
func (r *RecordRepository) ListByDateRange(ctx context.Context, from, to time.Time, f RecordFilter) ([]domain.DecodedRecord, error) {
	q := r.db.WithContext(ctx).Where("processing_date >= ? AND processing_date < ?", from, to)
	if f.RecordType != "" {
		q = q.Where("record_type = ?", f.RecordType)
	}
	if f.MerchantAccountNumber != "" {
		q = q.Where("merchant_account_number = ?", f.MerchantAccountNumber)
	}
	if f.TerminalID != "" {
		q = q.Where("terminal_id = ?", f.TerminalID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var out []domain.DecodedRecord
	err := q.Order("processing_date, upload_id, line_number").Find(&out).Error
	return out, err
}

// CountByUpload returns the number of decoded records of one upload.
func (r *RecordRepository) CountByUpload(ctx context.Context, uploadID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.DecodedRecord{}).Where("upload_id = ?", uploadID).Count(&n).Error
	return n, err
}

// CountByRecordType returns decoded record counts per record type for one upload.
func (r *RecordRepository) CountByRecordType(ctx context.Context, uploadID string) (map[string]int64, error) {
	var rows []struct {
		RecordType string
		Count      int64
	}
	err := r.db.WithContext(ctx).Model(&domain.DecodedRecord{}).
		Select("record_type, COUNT(*) AS count").
		Where("upload_id = ?", uploadID).
		Group("record_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.RecordType] = row.Count
	}
	return out, nil
}

// GetByKey returns the record decoded from one line of an upload.
func (r *RecordRepository) GetByKey(ctx context.Context, uploadID string, lineNumber int) (*domain.DecodedRecord, error) {
	var rec domain.DecodedRecord
	err := r.db.WithContext(ctx).First(&rec, "upload_id = ? AND line_number = ?", uploadID, lineNumber).Error
	if err != nil {
		return nil, notFound(err, "record %s:%d", uploadID, lineNumber)
	}
	return &rec, nil
}

// CrossUploadDuplicate pairs a line of one upload with an identical line
// already ingested from another upload.
type CrossUploadDuplicate struct {
	LineNumber      int    `json:"line_number"`
	RecordType      string `json:"record_type"`
	RawLineHash     string `json:"raw_line_hash"`
	OtherUploadID   string `json:"other_upload_id"`
	OtherLineNumber int    `json:"other_line_number"`
}

// FindCrossUploadDuplicates reports lines of uploadID whose content hash also
// appears in a different upload. Duplicates are reported, never removed.
func (r *RecordRepository) FindCrossUploadDuplicates(ctx context.Context, uploadID string, limit int) ([]CrossUploadDuplicate, error) {
	stmt := fmt.Sprintf(`SELECT a.line_number, a.record_type, a.raw_line_hash,
	b.upload_id AS other_upload_id, b.line_number AS other_line_number
FROM %[1]s a
JOIN %[1]s b ON b.raw_line_hash = a.raw_line_hash AND b.upload_id <> a.upload_id
WHERE a.upload_id = ?
ORDER BY a.line_number, b.upload_id, b.line_number
LIMIT ?`, r.table)
	var out []CrossUploadDuplicate
	if err := r.db.WithContext(ctx).Raw(stmt, uploadID, limit).Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("find cross-upload duplicates: %w", err)
	}
	return out, nil
}

// DeleteByUpload removes every decoded record of an upload.
func (r *RecordRepository) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).Delete(&domain.DecodedRecord{})
	return res.RowsAffected, res.Error
}
