package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/namespace"
	"gorm.io/gorm"
)

// RawLineRepository stages raw file lines and hands them out to batch
// processors under a lease.
type RawLineRepository struct {
	db      *gorm.DB
	table   string
	uploads string
}

// NewRawLineRepository creates a new RawLineRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//   - ns: namespace used to address tables in raw statements.
//
// Returns:
//   - *RawLineRepository: repository instance bound to db.
func NewRawLineRepository(db *gorm.DB, ns *namespace.Namespace) *RawLineRepository {
	return &RawLineRepository{
		db:      db,
		table:   ns.Table("raw_lines"),
		uploads: ns.Table("upload_jobs"),
	}
}

var copyColumns = []string{"source_file_id", "line_number", "record_type", "raw_text", "sanitized", "processing_status", "created_at"}

// BulkInsert stores one chunk of pending lines atomically. PostgreSQL uses
// COPY; other drivers fall back to batched inserts in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - lines: lines to insert; status and created_at are filled in if empty.
//
// Returns:
//   - error: non-nil if the chunk could not be stored.
func (r *RawLineRepository) BulkInsert(ctx context.Context, lines []domain.RawLine) error {
	if len(lines) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range lines {
		if lines[i].ProcessingStatus == "" {
			lines[i].ProcessingStatus = domain.LineStatusPending
		}
		if lines[i].CreatedAt.IsZero() {
			lines[i].CreatedAt = now
		}
	}

	if isPostgres(r.db) {
		return r.copyInsert(ctx, lines)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(lines, 500).Error
	})
}

func (r *RawLineRepository) copyInsert(ctx context.Context, lines []domain.RawLine) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	rows := make([][]interface{}, len(lines))
	for i, l := range lines {
		rows[i] = []interface{}{l.SourceFileID, l.LineNumber, l.RecordType, l.RawText, l.Sanitized, string(l.ProcessingStatus), l.CreatedAt}
	}

	return conn.Raw(func(driverConn interface{}) error {
		pgConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		n, err := pgConn.Conn().CopyFrom(ctx, pgx.Identifier{r.table}, copyColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy into %s: %w", r.table, err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("copy into %s: wrote %d of %d rows", r.table, n, len(rows))
		}
		return nil
	})
}

// MaxLineNumber returns the highest line number loaded for an upload, or 0.
func (r *RawLineRepository) MaxLineNumber(ctx context.Context, uploadID string) (int, error) {
	var maxLine sql.NullInt64
	err := r.db.WithContext(ctx).Model(&domain.RawLine{}).
		Select("MAX(line_number)").
		Where("source_file_id = ?", uploadID).
		Row().Scan(&maxLine)
	if err != nil {
		return 0, err
	}
	return int(maxLine.Int64), nil
}

// ClaimOptions narrows which pending lines a processor may take.
type ClaimOptions struct {
	// UploadID restricts the claim to one upload when set.
	UploadID string
	// RecordTypes restricts the claim to these record types when non-empty.
	RecordTypes []string
	Limit       int
	Lease       time.Duration
	Now         time.Time
}

// Claim leases up to opts.Limit pending lines to a fresh claim token. A line
// is claimable when it is pending, its upload is not soft-deleted, and it is
// either unleased or its lease has expired.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - opts: claim filters, size and lease duration.
//
// Returns:
//   - string: claim token guarding later status updates.
//   - []domain.RawLine: claimed lines ordered by upload and line number.
//   - error: non-nil if the claim statement fails.
func (r *RawLineRepository) Claim(ctx context.Context, opts ClaimOptions) (string, []domain.RawLine, error) {
	if opts.Limit <= 0 {
		return "", nil, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-opts.Lease)
	token := uuid.New().String()

	uploadFilter := "deleted_at IS NULL"
	var uploadArgs []interface{}
	if opts.UploadID != "" {
		uploadFilter += " AND id = ?"
		uploadArgs = append(uploadArgs, opts.UploadID)
	}

	var inner strings.Builder
	innerArgs := []interface{}{domain.LineStatusPending, cutoff}
	fmt.Fprintf(&inner, "SELECT id FROM %s WHERE processing_status = ? AND (claim_token IS NULL OR claimed_at < ?)", r.table)
	fmt.Fprintf(&inner, " AND source_file_id IN (SELECT id FROM %s WHERE %s)", r.uploads, uploadFilter)
	innerArgs = append(innerArgs, uploadArgs...)
	if len(opts.RecordTypes) > 0 {
		inner.WriteString(" AND record_type IN ?")
		innerArgs = append(innerArgs, opts.RecordTypes)
	}
	inner.WriteString(" ORDER BY source_file_id, line_number LIMIT ?")
	innerArgs = append(innerArgs, opts.Limit)
	if isPostgres(r.db) {
		inner.WriteString(" FOR UPDATE SKIP LOCKED")
	}

	stmt := fmt.Sprintf("UPDATE %s SET claim_token = ?, claimed_at = ? WHERE id IN (%s) AND processing_status = ? AND (claim_token IS NULL OR claimed_at < ?)",
		r.table, inner.String())
	args := append([]interface{}{token, now}, innerArgs...)
	args = append(args, domain.LineStatusPending, cutoff)

	db := r.db.WithContext(ctx)
	res := db.Exec(stmt, args...)
	if res.Error != nil {
		return "", nil, fmt.Errorf("claim raw lines: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return token, nil, nil
	}

	var lines []domain.RawLine
	if err := db.Where("claim_token = ?", token).Order("source_file_id, line_number").Find(&lines).Error; err != nil {
		return "", nil, err
	}
	return token, lines, nil
}

// LineOutcome is the final status of one claimed line.
type LineOutcome struct {
	ID      int64
	Status  domain.LineStatus
	Message string
}

// Finish records outcomes for lines still held under token. Lines whose lease
// was lost or that already left pending are left untouched.
// Returns the number of lines updated.
func (r *RawLineRepository) Finish(ctx context.Context, token string, outcomes []LineOutcome, now time.Time) (int64, error) {
	type groupKey struct {
		status  domain.LineStatus
		message string
	}
	groups := make(map[groupKey][]int64)
	var order []groupKey
	for _, o := range outcomes {
		k := groupKey{o.Status, o.Message}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], o.ID)
	}

	var total int64
	db := r.db.WithContext(ctx)
	for _, k := range order {
		updates := map[string]interface{}{
			"processing_status": k.status,
			"processed_at":      now,
			"claim_token":       nil,
		}
		switch k.status {
		case domain.LineStatusSkipped:
			updates["skip_reason"] = k.message
		case domain.LineStatusError:
			updates["error_message"] = k.message
		}
		res := db.Model(&domain.RawLine{}).
			Where("id IN ? AND claim_token = ? AND processing_status = ?", groups[k], token, domain.LineStatusPending).
			Updates(updates)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}

// ReleaseClaim drops the lease on lines still pending under token so another
// worker can take them immediately.
func (r *RawLineRepository) ReleaseClaim(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Model(&domain.RawLine{}).
		Where("claim_token = ? AND processing_status = ?", token, domain.LineStatusPending).
		Updates(map[string]interface{}{"claim_token": nil, "claimed_at": nil}).Error
}

// LineCounts aggregates raw line outcomes.
type LineCounts struct {
	Pending   int64 `json:"pending"`
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Error     int64 `json:"error"`
}

// Total is the number of lines counted.
func (c LineCounts) Total() int64 {
	return c.Pending + c.Processed + c.Skipped + c.Error
}

func (c *LineCounts) add(status domain.LineStatus, n int64) {
	switch status {
	case domain.LineStatusPending:
		c.Pending += n
	case domain.LineStatusProcessed:
		c.Processed += n
	case domain.LineStatusSkipped:
		c.Skipped += n
	case domain.LineStatusError:
		c.Error += n
	}
}

// CountByStatus returns line outcome counts for one upload.
func (r *RawLineRepository) CountByStatus(ctx context.Context, uploadID string) (LineCounts, error) {
	var rows []struct {
		ProcessingStatus domain.LineStatus
		Count            int64
	}
	var counts LineCounts
	err := r.db.WithContext(ctx).Model(&domain.RawLine{}).
		Select("processing_status, COUNT(*) AS count").
		Where("source_file_id = ?", uploadID).
		Group("processing_status").
		Scan(&rows).Error
	if err != nil {
		return counts, err
	}
	for _, row := range rows {
		counts.add(row.ProcessingStatus, row.Count)
	}
	return counts, nil
}

// CountPending returns the number of pending lines of one upload.
func (r *RawLineRepository) CountPending(ctx context.Context, uploadID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.RawLine{}).
		Where("source_file_id = ? AND processing_status = ?", uploadID, domain.LineStatusPending).
		Count(&n).Error
	return n, err
}

// CountByRecordType returns outcome counts per record type across all uploads.
func (r *RawLineRepository) CountByRecordType(ctx context.Context) (map[string]LineCounts, error) {
	var rows []struct {
		RecordType       string
		ProcessingStatus domain.LineStatus
		Count            int64
	}
	err := r.db.WithContext(ctx).Model(&domain.RawLine{}).
		Select("record_type, processing_status, COUNT(*) AS count").
		Group("record_type, processing_status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]LineCounts)
	for _, row := range rows {
		c := out[row.RecordType]
		c.add(row.ProcessingStatus, row.Count)
		out[row.RecordType] = c
	}
	return out, nil
}

// DeleteByUpload removes every staged line of an upload.
func (r *RawLineRepository) DeleteByUpload(ctx context.Context, uploadID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("source_file_id = ?", uploadID).Delete(&domain.RawLine{})
	return res.RowsAffected, res.Error
}
