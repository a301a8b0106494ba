package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/tddf/internal/domain"
	"gorm.io/gorm"
)

// PurgeTaskRepository persists purge work items.
type PurgeTaskRepository struct {
	db *gorm.DB
}

// NewPurgeTaskRepository creates a new PurgeTaskRepository.
func NewPurgeTaskRepository(db *gorm.DB) *PurgeTaskRepository {
	return &PurgeTaskRepository{db: db}
}

// Create inserts a task.
func (r *PurgeTaskRepository) Create(ctx context.Context, task *domain.PurgeTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

// FindOpen returns the scheduled or failed task of an object, nil if none.
func (r *PurgeTaskRepository) FindOpen(ctx context.Context, objectID string) (*domain.PurgeTask, error) {
	var task domain.PurgeTask
	err := r.db.WithContext(ctx).
		Where("storage_object_id = ? AND status IN ?", objectID, []domain.PurgeTaskStatus{domain.PurgeScheduled, domain.PurgeFailed}).
		Order("created_at DESC").
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Start moves a scheduled or failed task to in_progress for operator.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: task ID.
//   - operator: identity executing the purge.
//   - now: start time.
//
// Returns:
//   - error: wraps domain.ErrInvalidTransition if the task was not startable.
func (r *PurgeTaskRepository) Start(ctx context.Context, id, operator string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.PurgeTask{}).
		Where("id = ? AND status IN ?", id, []domain.PurgeTaskStatus{domain.PurgeScheduled, domain.PurgeFailed}).
		Updates(map[string]interface{}{
			"status":      domain.PurgeInProgress,
			"executed_by": operator,
			"started_at":  now,
			"attempts":    gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: purge task %s is not startable", domain.ErrInvalidTransition, id)
	}
	return nil
}

// Complete marks an in-progress task done.
func (r *PurgeTaskRepository) Complete(ctx context.Context, id string, now time.Time) error {
	return r.finish(ctx, id, map[string]interface{}{
		"status":       domain.PurgeCompleted,
		"completed_at": now,
		"last_error":   "",
	})
}

// Fail marks an in-progress task failed with cause.
func (r *PurgeTaskRepository) Fail(ctx context.Context, id string, cause error) error {
	return r.finish(ctx, id, map[string]interface{}{
		"status":     domain.PurgeFailed,
		"last_error": cause.Error(),
	})
}

func (r *PurgeTaskRepository) finish(ctx context.Context, id string, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&domain.PurgeTask{}).
		Where("id = ? AND status = ?", id, domain.PurgeInProgress).
		Updates(updates).Error
}

// ListByStatus returns tasks in status, oldest schedule first.
func (r *PurgeTaskRepository) ListByStatus(ctx context.Context, status domain.PurgeTaskStatus, limit int) ([]domain.PurgeTask, error) {
	var out []domain.PurgeTask
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("scheduled_date ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountByStatus returns task counts per status.
func (r *PurgeTaskRepository) CountByStatus(ctx context.Context) (map[domain.PurgeTaskStatus]int64, error) {
	var rows []struct {
		Status domain.PurgeTaskStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.PurgeTask{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.PurgeTaskStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
