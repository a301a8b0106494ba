package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/timmy/tddf/internal/domain"
	"gorm.io/gorm"
)

// UploadRepository handles upload job persistence. Every phase change is a
// compare-and-set on the current phase.
type UploadRepository struct {
	db *gorm.DB
}

// NewUploadRepository creates a new UploadRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *UploadRepository: repository instance bound to db.
func NewUploadRepository(db *gorm.DB) *UploadRepository {
	return &UploadRepository{db: db}
}

// Create inserts a new upload job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job to persist.
//
// Returns:
//   - error: non-nil if the insert fails.
func (r *UploadRepository) Create(ctx context.Context, job *domain.UploadJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a live (not soft-deleted) upload.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: upload ID.
//
// Returns:
//   - *domain.UploadJob: job if found.
//   - error: domain.ErrNotFound if missing or soft-deleted.
func (r *UploadRepository) GetByID(ctx context.Context, id string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "upload %s", id)
	}
	return &job, nil
}

// GetAny retrieves an upload including soft-deleted ones.
func (r *UploadRepository) GetAny(ctx context.Context, id string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	if err := r.db.WithContext(ctx).Unscoped().First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "upload %s", id)
	}
	return &job, nil
}

// FindLiveByHash returns the oldest live upload with the given content hash.
// Errored uploads do not count. Returns nil when none exists.
func (r *UploadRepository) FindLiveByHash(ctx context.Context, hash, excludeID string) (*domain.UploadJob, error) {
	var job domain.UploadJob
	err := r.db.WithContext(ctx).
		Where("content_hash = ? AND id <> ? AND phase <> ?", hash, excludeID, domain.PhaseError).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Transition moves an upload from one phase to the next.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: upload ID.
//   - from: phase the caller observed.
//   - to: target phase.
//   - fields: extra columns to set in the same statement, may be nil.
//
// Returns:
//   - error: wraps domain.ErrInvalidTransition if the step is illegal or the
//     upload is no longer in from.
func (r *UploadRepository) Transition(ctx context.Context, id string, from, to domain.Phase, fields map[string]interface{}) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	updates := map[string]interface{}{
		"phase":                 to,
		domain.PhaseColumn(to): time.Now().UTC(),
	}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND phase = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: upload %s is not in phase %s", domain.ErrInvalidTransition, id, from)
	}
	return nil
}

// Fail moves an active upload to the error phase and recomputes its retry
// budget.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: upload ID.
//   - reason: operator-facing failure description.
//   - transient: whether the failure is worth retrying at all.
//   - maxRetries: retry bound.
//   - backoff: base delay; the nth failure waits backoff*2^(n-1).
//
// Returns:
//   - *domain.UploadJob: job after the update.
//   - error: wraps domain.ErrInvalidTransition if the upload is not active.
func (r *UploadRepository) Fail(ctx context.Context, id, reason string, transient bool, maxRetries int, backoff time.Duration) (*domain.UploadJob, error) {
	var out *domain.UploadJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job domain.UploadJob
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return notFound(err, "upload %s", id)
		}
		if !domain.CanTransition(job.Phase, domain.PhaseError) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Phase, domain.PhaseError)
		}

		now := time.Now().UTC()
		count := job.RetryCount + 1
		canRetry := transient && count < maxRetries
		updates := map[string]interface{}{
			"phase":               domain.PhaseError,
			"errored_at":          now,
			"failed_phase":        job.Phase,
			"retry_count":         count,
			"can_retry":           canRetry,
			"last_failure_reason": reason,
			"next_retry_at":       nil,
			"assembling":          false,
		}
		if canRetry {
			updates["next_retry_at"] = now.Add(RetryDelay(backoff, count))
		}
		res := tx.Model(&domain.UploadJob{}).Where("id = ? AND phase = ?", id, job.Phase).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: upload %s changed phase concurrently", domain.ErrInvalidTransition, id)
		}
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return err
		}
		out = &job
		return nil
	})
	return out, err
}

// ClaimAssembly marks an uploading upload as being assembled. Only one caller
// wins; claimed is false when the upload left uploading or another request
// already holds the claim.
func (r *UploadRepository) ClaimAssembly(ctx context.Context, id string) (claimed bool, err error) {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND phase = ? AND assembling = ?", id, domain.PhaseUploading, false).
		Update("assembling", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RetryDelay is backoff*2^(n-1) for the nth failure.
func RetryDelay(backoff time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(float64(backoff) * math.Pow(2, float64(n-1)))
}

// Retry puts an errored upload back into the phase it failed in.
// Returns:
//   - *domain.UploadJob: job after the update.
//   - error: wraps domain.ErrRetryExhausted when the budget forbids it.
func (r *UploadRepository) Retry(ctx context.Context, id string, maxRetries int) (*domain.UploadJob, error) {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.RetryEligible(maxRetries) {
		return nil, fmt.Errorf("%w: upload %s phase=%s retries=%d", domain.ErrRetryExhausted, id, job.Phase, job.RetryCount)
	}

	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ? AND phase = ?", id, domain.PhaseError).
		Updates(map[string]interface{}{
			"phase":         job.FailedPhase,
			"can_retry":     false,
			"next_retry_at": nil,
			"assembling":    false,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: upload %s left error concurrently", domain.ErrInvalidTransition, id)
	}
	return r.GetByID(ctx, id)
}

// ListDueRetries returns errored uploads whose backoff has elapsed.
func (r *UploadRepository) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	err := r.db.WithContext(ctx).
		Where("phase = ? AND can_retry = ? AND next_retry_at <= ?", domain.PhaseError, true, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListByPhase returns live uploads in phase, oldest first.
func (r *UploadRepository) ListByPhase(ctx context.Context, phase domain.Phase, limit int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	err := r.db.WithContext(ctx).
		Where("phase = ?", phase).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListStale returns live uploads stuck in an active phase since before cutoff.
func (r *UploadRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	err := r.db.WithContext(ctx).
		Where("phase IN ? AND updated_at < ?", domain.ActivePhases(), cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ListRecent returns the newest live uploads.
func (r *UploadRepository) ListRecent(ctx context.Context, limit int) ([]domain.UploadJob, error) {
	var jobs []domain.UploadJob
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// Update sets arbitrary columns on a live upload.
func (r *UploadRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upload %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AddWarning increments the warning counter and records the latest warning.
func (r *UploadRepository) AddWarning(ctx context.Context, id, warning string) error {
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"warning_count": gorm.Expr("warning_count + 1"),
			"last_warning":  warning,
		}).Error
}

// SetCounts stores the line outcome rollup.
func (r *UploadRepository) SetCounts(ctx context.Context, id string, c LineCounts) error {
	return r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"line_count":      c.Total(),
			"processed_count": c.Processed,
			"skipped_count":   c.Skipped,
			"error_count":     c.Error,
		}).Error
}

// CountByPhase returns live upload counts keyed by phase.
func (r *UploadRepository) CountByPhase(ctx context.Context) (map[domain.Phase]int64, error) {
	var rows []struct {
		Phase domain.Phase
		Count int64
	}
	err := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Select("phase, COUNT(*) AS count").
		Group("phase").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Phase]int64, len(rows))
	for _, row := range rows {
		out[row.Phase] = row.Count
	}
	return out, nil
}

// SoftDelete marks live, active-retention uploads deleted by operator.
// Returns the number of uploads actually deleted.
func (r *UploadRepository) SoftDelete(ctx context.Context, ids []string, operator string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&domain.UploadJob{}).
		Where("id IN ? AND retention_state = ?", ids, domain.RetentionActive).
		Updates(map[string]interface{}{
			"retention_state": domain.RetentionSoftDeleted,
			"deleted_by":      operator,
			"deleted_at":      time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// ListRetention returns uploads in a retention state, soft-deleted included.
// A non-zero deletedBefore restricts to uploads deleted before it.
func (r *UploadRepository) ListRetention(ctx context.Context, state domain.RetentionState, deletedBefore time.Time, limit int) ([]domain.UploadJob, error) {
	q := r.db.WithContext(ctx).Unscoped().Where("retention_state = ?", state)
	if !deletedBefore.IsZero() {
		q = q.Where("deleted_at < ?", deletedBefore)
	}
	var jobs []domain.UploadJob
	err := q.Order("deleted_at ASC").Limit(limit).Find(&jobs).Error
	return jobs, err
}

// AdvanceRetention moves one upload a single retention step forward.
func (r *UploadRepository) AdvanceRetention(ctx context.Context, id string, from, to domain.RetentionState) error {
	if !domain.CanAdvanceRetention(from, to) {
		return fmt.Errorf("%w: retention %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	updates := map[string]interface{}{"retention_state": to}
	if to == domain.RetentionPurged {
		updates["purged_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Unscoped().Model(&domain.UploadJob{}).
		Where("id = ? AND retention_state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: upload %s is not %s", domain.ErrInvalidTransition, id, from)
	}
	return nil
}

// Reference describes whether an upload still owns its objects.
type Reference struct {
	ID             string
	Deleted        bool
	RetentionState domain.RetentionState
}

// Live reports whether the upload keeps its objects alive.
func (ref Reference) Live() bool {
	return !ref.Deleted && ref.RetentionState != domain.RetentionPurged
}

// References looks up the reference state of many uploads at once. Missing
// ids are absent from the result.
func (r *UploadRepository) References(ctx context.Context, ids []string) (map[string]Reference, error) {
	out := make(map[string]Reference, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		ID             string
		DeletedAt      gorm.DeletedAt
		RetentionState domain.RetentionState
	}
	err := r.db.WithContext(ctx).Unscoped().Model(&domain.UploadJob{}).
		Select("id, deleted_at, retention_state").
		Where("id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = Reference{ID: row.ID, Deleted: row.DeletedAt.Valid, RetentionState: row.RetentionState}
	}
	return out, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrNotFound)
	}
	return err
}
