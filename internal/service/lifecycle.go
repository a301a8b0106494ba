package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/storage"
)

// LifecycleConfig holds configuration for the object lifecycle manager
type LifecycleConfig struct {
	GracePeriod time.Duration
	BatchSize   int
	// KeyPrefix is the first key segment of upload-owned objects.
	KeyPrefix string
}

// LifecycleManager reconciles object storage against uploads and reclaims
// blobs nothing references.
type LifecycleManager struct {
	store   *repository.Store
	storage storage.ObjectStorage
	metrics *metrics.Metrics
	cfg     LifecycleConfig
	now     func() time.Time
}

// NewLifecycleManager creates a new lifecycle manager. A positive grace period
// is required.
func NewLifecycleManager(store *repository.Store, objectStorage storage.ObjectStorage, m *metrics.Metrics, cfg LifecycleConfig) (*LifecycleManager, error) {
	if cfg.GracePeriod <= 0 {
		return nil, errors.New("lifecycle grace period must be positive")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uploads"
	}
	return &LifecycleManager{
		store:   store,
		storage: objectStorage,
		metrics: m,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// ScanReport summarizes one reconciliation pass.
type ScanReport struct {
	Prefix      string `json:"prefix"`
	Scanned     int    `json:"scanned"`
	Bytes       int64  `json:"bytes"`
	Referenced  int    `json:"referenced"`
	Orphaned    int    `json:"newly_orphaned"`
	Expired     int    `json:"newly_expired"`
	Reactivated int    `json:"reactivated"`
}

// Scan lists every object under prefix, records it, and reconciles its
// status against the uploads that own it.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - prefix: key prefix to list; empty lists the whole bucket.
//
// Returns:
//   - *ScanReport: counts of reconciled objects.
//   - error: non-nil if listing or tracking fails.
func (m *LifecycleManager) Scan(ctx context.Context, prefix string) (*ScanReport, error) {
	start := time.Now()
	now := m.now()
	report := &ScanReport{Prefix: prefix}

	objects, err := m.storage.List(ctx, prefix)
	m.metrics.StorageOp("list", err)
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", domain.ErrTransientIO, prefix, err)
	}

	owners := make(map[string]string, len(objects))
	seen := make(map[string]bool)
	var ids []string
	for _, obj := range objects {
		if id, ok := domain.UploadIDFromKey(m.cfg.KeyPrefix, obj.Key); ok {
			owners[obj.Key] = id
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	refs, err := m.store.Uploads.References(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, obj := range objects {
		report.Scanned++
		report.Bytes += obj.Size

		var uploadID *string
		var ref repository.Reference
		known := false
		if id, ok := owners[obj.Key]; ok {
			ref, known = refs[id]
			if known {
				uploadID = &id
			}
		}

		tracked, err := m.store.Objects.Touch(ctx, obj.Key, obj.Size, uploadID, now)
		if err != nil {
			return nil, err
		}

		if known && ref.Live() {
			report.Referenced++
			if tracked.Status == domain.ObjectOrphaned {
				ok, err := m.store.Objects.Reactivate(ctx, tracked.ID)
				if err != nil {
					return nil, err
				}
				if ok {
					report.Reactivated++
				}
			}
			continue
		}
		if tracked.Status != domain.ObjectActive {
			continue
		}

		purgeType := domain.PurgeOrphaned
		if known {
			purgeType = domain.PurgeExpired
		}
		ok, err := m.store.Objects.MarkOrphaned(ctx, tracked.ID, purgeType, now.Add(m.cfg.GracePeriod))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if purgeType == domain.PurgeExpired {
			report.Expired++
		} else {
			report.Orphaned++
		}
	}

	logger.With(logger.Fields{
		"prefix":      prefix,
		"orphaned":    report.Orphaned,
		"expired":     report.Expired,
		"reactivated": report.Reactivated,
	}).WithCount(report.Scanned).WithSize(report.Bytes).WithDuration(start).
		Info(ctx, "Object scan finished")
	return report, nil
}

// PurgePlan is the deterministic set of objects due for purge.
type PurgePlan struct {
	AsOf       time.Time              `json:"as_of"`
	Candidates []domain.StorageObject `json:"candidates"`
	TotalBytes int64                  `json:"total_bytes"`
}

// Keys returns the candidate keys in plan order.
func (p *PurgePlan) Keys() []string {
	keys := make([]string, len(p.Candidates))
	for i, c := range p.Candidates {
		keys[i] = c.ObjectKey
	}
	return keys
}

func (p *PurgePlan) restrict(keys []string) {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	kept := p.Candidates[:0]
	p.TotalBytes = 0
	for _, c := range p.Candidates {
		if allowed[c.ObjectKey] {
			kept = append(kept, c)
			p.TotalBytes += c.Size
		}
	}
	p.Candidates = kept
}

// Plan selects marked, unpurged objects whose grace period ended by asOf,
// ordered by key. limit <= 0 means no limit.
func (m *LifecycleManager) Plan(ctx context.Context, asOf time.Time, limit int) (*PurgePlan, error) {
	if asOf.IsZero() {
		asOf = m.now()
	}
	plan := &PurgePlan{AsOf: asOf, Candidates: []domain.StorageObject{}}
	after := ""
	for limit <= 0 || len(plan.Candidates) < limit {
		page := m.cfg.BatchSize
		if limit > 0 && limit-len(plan.Candidates) < page {
			page = limit - len(plan.Candidates)
		}
		batch, err := m.store.Objects.ListPurgeCandidates(ctx, asOf, after, page)
		if err != nil {
			return nil, err
		}
		for _, obj := range batch {
			plan.Candidates = append(plan.Candidates, obj)
			plan.TotalBytes += obj.Size
		}
		if len(batch) < page {
			break
		}
		after = batch[len(batch)-1].ObjectKey
	}
	return plan, nil
}

// ExecuteOptions controls a purge run.
type ExecuteOptions struct {
	Operator  string
	DryRun    bool
	BatchSize int
	// Zero means now.
	AsOf  time.Time
	Limit int
	// When non-nil, only planned objects with these keys are purged.
	Keys []string
}

// PurgeFailure is one object the run could not delete.
type PurgeFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
}

// PurgeResult summarizes a purge run.
type PurgeResult struct {
	DryRun      bool           `json:"dry_run"`
	Operator    string         `json:"operator,omitempty"`
	Plan        *PurgePlan     `json:"plan"`
	Batches     int            `json:"batches"`
	Purged      int            `json:"purged"`
	BytesPurged int64          `json:"bytes_purged"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Failures    []PurgeFailure `json:"failures,omitempty"`
	StartTime   time.Time      `json:"start_time"`
	EndTime     time.Time      `json:"end_time"`
}

// Execute purges the plan's objects. A dry run returns the same plan without
// touching storage. Per-object failures are counted and logged, never
// returned; the object stays marked and its task failed for the next run.
func (m *LifecycleManager) Execute(ctx context.Context, opts ExecuteOptions) (*PurgeResult, error) {
	operator := strings.TrimSpace(opts.Operator)
	if !opts.DryRun && operator == "" {
		return nil, domain.ErrOperatorRequired
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = m.cfg.BatchSize
	}

	result := &PurgeResult{DryRun: opts.DryRun, Operator: operator, StartTime: time.Now()}
	defer func() { result.EndTime = time.Now() }()

	plan, err := m.Plan(ctx, opts.AsOf, opts.Limit)
	if err != nil {
		return nil, err
	}
	if opts.Keys != nil {
		plan.restrict(opts.Keys)
	}
	result.Plan = plan
	if opts.DryRun {
		logger.With(logger.Fields{"bytes": plan.TotalBytes}).WithCount(len(plan.Candidates)).
			Info(ctx, "Purge dry run planned")
		return result, nil
	}

	ctx = logger.SetOperator(ctx, operator)
	for start := 0; start < len(plan.Candidates); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + batchSize
		if end > len(plan.Candidates) {
			end = len(plan.Candidates)
		}
		result.Batches++
		for _, obj := range plan.Candidates[start:end] {
			m.purgeOne(ctx, obj, operator, result)
		}
	}

	logger.With(logger.Fields{
		"purged":       result.Purged,
		"failed":       result.Failed,
		"skipped":      result.Skipped,
		"bytes_purged": result.BytesPurged,
	}).WithCount(len(plan.Candidates)).Info(ctx, "Purge run finished")
	return result, nil
}

// PreviewAndExecute runs a dry run and then purges exactly the objects it
// planned, both evaluated at the same as-of time. Objects marked between the
// two steps wait for the next run. opts.DryRun is ignored.
func (m *LifecycleManager) PreviewAndExecute(ctx context.Context, opts ExecuteOptions) (preview, result *PurgeResult, err error) {
	if strings.TrimSpace(opts.Operator) == "" {
		return nil, nil, domain.ErrOperatorRequired
	}
	if opts.AsOf.IsZero() {
		opts.AsOf = m.now()
	}

	opts.DryRun = true
	preview, err = m.Execute(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	if len(preview.Plan.Candidates) == 0 {
		return preview, nil, nil
	}
	logger.With(logger.Fields{
		"as_of": preview.Plan.AsOf,
		"keys":  preview.Plan.Keys(),
		"bytes": preview.Plan.TotalBytes,
	}).Info(ctx, "Purging %d previewed object(s)", len(preview.Plan.Candidates))

	opts.DryRun = false
	opts.Keys = preview.Plan.Keys()
	opts.Limit = 0
	result, err = m.Execute(ctx, opts)
	return preview, result, err
}

func (m *LifecycleManager) purgeOne(ctx context.Context, obj domain.StorageObject, operator string, result *PurgeResult) {
	entry := logger.With(logger.Fields{logger.FieldObjectKey: obj.ObjectKey})
	failed := func(err error) {
		result.Failed++
		result.Failures = append(result.Failures, PurgeFailure{Key: obj.ObjectKey, Error: err.Error()})
		m.metrics.PurgeObjects.WithLabelValues("failed").Inc()
		entry.Warn(ctx, "Purge failed: %v", err)
	}

	// A blob re-referenced since the scan is kept.
	if obj.UploadID != nil {
		refs, err := m.store.Uploads.References(ctx, []string{*obj.UploadID})
		if err != nil {
			failed(err)
			return
		}
		if ref, ok := refs[*obj.UploadID]; ok && ref.Live() {
			if _, err := m.store.Objects.Reactivate(ctx, obj.ID); err != nil {
				failed(err)
				return
			}
			result.Skipped++
			entry.Info(ctx, "Object referenced again, purge skipped")
			return
		}
	}

	task, err := m.openTask(ctx, obj)
	if err != nil {
		failed(err)
		return
	}
	now := m.now()
	if err := m.store.PurgeTasks.Start(ctx, task.ID, operator, now); err != nil {
		failed(err)
		return
	}

	err = m.storage.Delete(ctx, obj.ObjectKey)
	m.metrics.StorageOp("delete", err)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", domain.ErrPurgeFailure, obj.ObjectKey, err)
		if ferr := m.store.PurgeTasks.Fail(ctx, task.ID, err); ferr != nil {
			entry.Warn(ctx, "Failed to record purge failure: %v", ferr)
		}
		failed(err)
		return
	}

	if _, err := m.store.Objects.MarkPurged(ctx, obj.ID, now); err != nil {
		_ = m.store.PurgeTasks.Fail(ctx, task.ID, err)
		failed(err)
		return
	}
	if err := m.store.PurgeTasks.Complete(ctx, task.ID, now); err != nil {
		entry.Warn(ctx, "Failed to complete purge task %s: %v", task.ID, err)
	}
	result.Purged++
	result.BytesPurged += obj.Size
	m.metrics.PurgeObjects.WithLabelValues("purged").Inc()
	m.metrics.PurgeBytes.Add(float64(obj.Size))
	entry.WithSize(obj.Size).Debug(ctx, "Object purged")
}

// openTask returns the object's open purge task, scheduling one if none.
func (m *LifecycleManager) openTask(ctx context.Context, obj domain.StorageObject) (*domain.PurgeTask, error) {
	task, err := m.store.PurgeTasks.FindOpen(ctx, obj.ID)
	if err != nil || task != nil {
		return task, err
	}
	reason := "no upload references the object"
	if obj.PurgeType == domain.PurgeExpired {
		reason = "owning upload was deleted"
	}
	task = &domain.PurgeTask{
		ID:              uuid.New().String(),
		StorageObjectID: obj.ID,
		ObjectKey:       obj.ObjectKey,
		Size:            obj.Size,
		PurgeType:       obj.PurgeType,
		Reason:          reason,
		ScheduledDate:   m.now(),
		Status:          domain.PurgeScheduled,
	}
	if err := m.store.PurgeTasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ScheduleDue creates scheduled purge tasks for due objects that have none.
// Returns the number of tasks created.
func (m *LifecycleManager) ScheduleDue(ctx context.Context, asOf time.Time) (int, error) {
	plan, err := m.Plan(ctx, asOf, 0)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, obj := range plan.Candidates {
		existing, err := m.store.PurgeTasks.FindOpen(ctx, obj.ID)
		if err != nil {
			return created, err
		}
		if existing != nil {
			continue
		}
		if _, err := m.openTask(ctx, obj); err != nil {
			return created, err
		}
		created++
	}
	if created > 0 {
		logger.CtxInfo(ctx, "Scheduled %d purge tasks", created)
	}
	return created, nil
}

// Summary reports tracked object and purge task totals.
func (m *LifecycleManager) Summary(ctx context.Context) (map[domain.ObjectStatus]repository.ObjectTotals, map[domain.PurgeTaskStatus]int64, error) {
	objects, err := m.store.Objects.CountByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.store.PurgeTasks.CountByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	return objects, tasks, nil
}
