package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/tddf/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ObjectRepository tracks blobs seen in object storage.
type ObjectRepository struct {
	db *gorm.DB
}

// NewObjectRepository creates a new ObjectRepository.
func NewObjectRepository(db *gorm.DB) *ObjectRepository {
	return &ObjectRepository{db: db}
}

// Touch records that key was seen with size at now, creating the tracking row
// on first sight. Status is left for the caller to reconcile.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - key: object key.
//   - size: current object size in bytes.
//   - uploadID: owning upload parsed from the key, nil if the key has none.
//   - now: scan time.
//
// Returns:
//   - *domain.StorageObject: tracking row after the upsert.
//   - error: non-nil if the upsert fails.
func (r *ObjectRepository) Touch(ctx context.Context, key string, size int64, uploadID *string, now time.Time) (*domain.StorageObject, error) {
	obj := &domain.StorageObject{
		ID:          uuid.New().String(),
		ObjectKey:   key,
		Size:        size,
		UploadID:    uploadID,
		Status:      domain.ObjectActive,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "object_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "upload_id", "last_seen_at", "updated_at"}),
	}).Create(obj).Error
	if err != nil {
		return nil, err
	}
	return r.GetByKey(ctx, key)
}

// GetByKey retrieves the tracking row for key.
func (r *ObjectRepository) GetByKey(ctx context.Context, key string) (*domain.StorageObject, error) {
	var obj domain.StorageObject
	if err := r.db.WithContext(ctx).First(&obj, "object_key = ?", key).Error; err != nil {
		return nil, notFound(err, "object %s", key)
	}
	return &obj, nil
}

// MarkOrphaned flags an active object for purge after purgeAfter.
// Returns false if the object was no longer active.
func (r *ObjectRepository) MarkOrphaned(ctx context.Context, id string, purgeType domain.PurgeType, purgeAfter time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.StorageObject{}).
		Where("id = ? AND status = ?", id, domain.ObjectActive).
		Updates(map[string]interface{}{
			"status":           domain.ObjectOrphaned,
			"purge_type":       purgeType,
			"marked_for_purge": true,
			"purge_after_date": purgeAfter,
		})
	return res.RowsAffected > 0, res.Error
}

// Reactivate clears the purge mark of an orphaned object that is referenced
// again. Returns false if the object was not orphaned.
func (r *ObjectRepository) Reactivate(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.StorageObject{}).
		Where("id = ? AND status = ?", id, domain.ObjectOrphaned).
		Updates(map[string]interface{}{
			"status":           domain.ObjectActive,
			"purge_type":       "",
			"marked_for_purge": false,
			"purge_after_date": nil,
		})
	return res.RowsAffected > 0, res.Error
}

// ListPurgeCandidates returns marked, unpurged objects due at asOf with keys
// after afterKey, ordered by key.
func (r *ObjectRepository) ListPurgeCandidates(ctx context.Context, asOf time.Time, afterKey string, limit int) ([]domain.StorageObject, error) {
	q := r.db.WithContext(ctx).
		Where("marked_for_purge = ? AND status <> ? AND purge_after_date <= ?", true, domain.ObjectPurged, asOf)
	if afterKey != "" {
		q = q.Where("object_key > ?", afterKey)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []domain.StorageObject
	err := q.Order("object_key ASC").Find(&out).Error
	return out, err
}

// MarkPurged records a successful deletion. Returns false if the object was
// already purged.
func (r *ObjectRepository) MarkPurged(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.StorageObject{}).
		Where("id = ? AND status <> ?", id, domain.ObjectPurged).
		Updates(map[string]interface{}{
			"status":           domain.ObjectPurged,
			"marked_for_purge": false,
			"purged_at":        now,
		})
	return res.RowsAffected > 0, res.Error
}

// CountByStatus returns tracked object counts and byte totals per status.
func (r *ObjectRepository) CountByStatus(ctx context.Context) (map[domain.ObjectStatus]ObjectTotals, error) {
	var rows []struct {
		Status domain.ObjectStatus
		Count  int64
		Bytes  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.StorageObject{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(size), 0) AS bytes").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.ObjectStatus]ObjectTotals, len(rows))
	for _, row := range rows {
		out[row.Status] = ObjectTotals{Count: row.Count, Bytes: row.Bytes}
	}
	return out, nil
}

// ObjectTotals is a count and byte sum.
type ObjectTotals struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}
