package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/timmy/tddf/internal/decoder"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/repository"
	"gorm.io/datatypes"
)

const (
	reasonNonTarget = "non-target record type"
	reasonExcluded  = "record type excluded by configuration"
	reasonTooShort  = "line too short to identify record type"

	// Repair flag for lines whose bytes were replaced at staging.
	repairSanitized = "raw_text"
)

// ProcessorConfig holds configuration for the batch processor
type ProcessorConfig struct {
	BatchSize        int
	BatchDelay       time.Duration
	LeaseDuration    time.Duration
	MaxBatchesPerRun int
	// Earlier groups drain before later ones; record types in no group are
	// processed last.
	PriorityGroups  [][]string
	SkipRecordTypes []string
}

// BatchProcessor decodes pending raw lines into the ingestion store.
type BatchProcessor struct {
	store   *repository.Store
	decoder *decoder.Decoder
	metrics *metrics.Metrics
	cfg     ProcessorConfig
	skip    map[string]bool
	now     func() time.Time
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(store *repository.Store, dec *decoder.Decoder, m *metrics.Metrics, cfg ProcessorConfig) *BatchProcessor {
	skip := make(map[string]bool, len(cfg.SkipRecordTypes))
	for _, t := range cfg.SkipRecordTypes {
		skip[strings.ToUpper(strings.TrimSpace(t))] = true
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	return &BatchProcessor{
		store:   store,
		decoder: dec,
		metrics: m,
		cfg:     cfg,
		skip:    skip,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// TypeStats counts outcomes for one record type.
type TypeStats struct {
	Processed int64 `json:"processed"`
	Skipped   int64 `json:"skipped"`
	Errors    int64 `json:"errors"`
}

// ProcessStats holds statistics for a processing run
type ProcessStats struct {
	Batches      int                   `json:"batches"`
	Claimed      int64                 `json:"claimed"`
	Processed    int64                 `json:"processed"`
	Skipped      int64                 `json:"skipped"`
	Errors       int64                 `json:"errors"`
	Inserted     int64                 `json:"inserted"`
	LostLease    int64                 `json:"lost_lease"`
	ByRecordType map[string]*TypeStats `json:"by_record_type"`
	StartTime    time.Time             `json:"start_time"`
	EndTime      time.Time             `json:"end_time"`
}

func newProcessStats() *ProcessStats {
	return &ProcessStats{ByRecordType: make(map[string]*TypeStats), StartTime: time.Now()}
}

func (s *ProcessStats) add(rt string, status domain.LineStatus) {
	ts := s.ByRecordType[rt]
	if ts == nil {
		ts = &TypeStats{}
		s.ByRecordType[rt] = ts
	}
	switch status {
	case domain.LineStatusProcessed:
		s.Processed++
		ts.Processed++
	case domain.LineStatusSkipped:
		s.Skipped++
		ts.Skipped++
	case domain.LineStatusError:
		s.Errors++
		ts.Errors++
	}
}

func (s *ProcessStats) merge(o *ProcessStats) {
	s.Batches += o.Batches
	s.Claimed += o.Claimed
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Errors += o.Errors
	s.Inserted += o.Inserted
	s.LostLease += o.LostLease
	for rt, ts := range o.ByRecordType {
		cur := s.ByRecordType[rt]
		if cur == nil {
			cur = &TypeStats{}
			s.ByRecordType[rt] = cur
		}
		cur.Processed += ts.Processed
		cur.Skipped += ts.Skipped
		cur.Errors += ts.Errors
	}
}

// Run drains pending lines in priority order, bounded by MaxBatchesPerRun.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - uploadID: restricts processing to one upload when non-empty.
//
// Returns:
//   - *ProcessStats: aggregated outcome of every batch run.
//   - error: first batch-level failure; line-level failures never escalate.
func (p *BatchProcessor) Run(ctx context.Context, uploadID string) (*ProcessStats, error) {
	stats := newProcessStats()
	defer func() { stats.EndTime = time.Now() }()

	groups := append(append([][]string{}, p.cfg.PriorityGroups...), nil)
	for _, group := range groups {
		for {
			if p.cfg.MaxBatchesPerRun > 0 && stats.Batches >= p.cfg.MaxBatchesPerRun {
				return stats, nil
			}
			if err := ctx.Err(); err != nil {
				return stats, err
			}

			batch, err := p.ProcessBatch(ctx, uploadID, group)
			if err != nil {
				return stats, err
			}
			if batch.Claimed == 0 {
				break
			}
			stats.merge(batch)

			if p.cfg.BatchDelay > 0 {
				select {
				case <-ctx.Done():
					return stats, ctx.Err()
				case <-time.After(p.cfg.BatchDelay):
				}
			}
		}
	}
	return stats, nil
}

// ProcessBatch claims one batch and records every line's outcome in a single
// transaction. A batch with nothing to claim returns zero stats.
func (p *BatchProcessor) ProcessBatch(ctx context.Context, uploadID string, recordTypes []string) (*ProcessStats, error) {
	stats := newProcessStats()
	start := time.Now()
	now := p.now()

	token, lines, err := p.store.Lines.Claim(ctx, repository.ClaimOptions{
		UploadID:    uploadID,
		RecordTypes: recordTypes,
		Limit:       p.cfg.BatchSize,
		Lease:       p.cfg.LeaseDuration,
		Now:         now,
	})
	if err != nil {
		return stats, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}
	if len(lines) == 0 {
		return stats, nil
	}

	ctx = logger.SetBatchID(ctx, token)
	stats.Batches = 1
	stats.Claimed = int64(len(lines))

	uploads, err := p.loadUploads(ctx, lines)
	if err != nil {
		p.release(ctx, token)
		return stats, err
	}

	outcomes := make([]repository.LineOutcome, 0, len(lines))
	records := make([]domain.DecodedRecord, 0, len(lines))
	lineTypes := make(map[int64]string, len(lines))
	dates := make(map[time.Time]bool)

	for i := range lines {
		line := &lines[i]
		rec, outcome := p.classify(line, uploads[line.SourceFileID], now)
		outcomes = append(outcomes, outcome)
		lineTypes[line.ID] = recordTypeLabel(line)
		if rec != nil {
			records = append(records, *rec)
			dates[rec.ProcessingDate] = true
		}
	}

	for d := range dates {
		err := p.store.Partitions.EnsureQuarter(ctx, d)
		switch {
		case errors.Is(err, repository.ErrPartitionStranded):
			// Already reported once; the rows keep landing in the default partition.
			logger.CtxDebug(ctx, "Partition not ensured for %s: %v", d.Format("2006-01-02"), err)
		case err != nil:
			// Rows for a missing quarter land in the default partition.
			logger.CtxWarn(ctx, "Partition not ensured for %s: %v", d.Format("2006-01-02"), err)
		}
	}

	var inserted, finished int64
	err = p.store.InTx(ctx, func(tx *repository.Store) error {
		var err error
		if inserted, err = tx.Records.InsertBatch(ctx, records); err != nil {
			return fmt.Errorf("insert decoded records: %w", err)
		}
		if finished, err = tx.Lines.Finish(ctx, token, outcomes, now); err != nil {
			return fmt.Errorf("record line outcomes: %w", err)
		}
		return nil
	})
	if err != nil {
		p.release(ctx, token)
		return stats, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}

	for _, o := range outcomes {
		rt := lineTypes[o.ID]
		stats.add(rt, o.Status)
		p.metrics.LinesTotal.WithLabelValues(rt, string(o.Status)).Inc()
	}
	stats.Inserted = inserted
	stats.LostLease = int64(len(outcomes)) - finished
	p.metrics.RecordsInserted.Add(float64(inserted))
	p.metrics.ObserveBatch(start, len(lines))

	entry := logger.With(logger.Fields{
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
		"errors":    stats.Errors,
		"inserted":  inserted,
	}).WithCount(len(lines)).WithDuration(start)
	if stats.LostLease > 0 {
		entry.WithField("lost_lease", stats.LostLease).Warn(ctx, "Batch finished after lease expiry")
	} else {
		entry.Debug(ctx, "Batch processed")
	}
	return stats, nil
}

func (p *BatchProcessor) release(ctx context.Context, token string) {
	if err := p.store.Lines.ReleaseClaim(ctx, token); err != nil {
		logger.CtxWarn(ctx, "Failed to release claim: %v", err)
	}
}

// loadUploads fetches the owning uploads of a batch. Claimed lines finish even
// if their upload was soft-deleted after the claim.
func (p *BatchProcessor) loadUploads(ctx context.Context, lines []domain.RawLine) (map[string]*domain.UploadJob, error) {
	out := make(map[string]*domain.UploadJob)
	for _, l := range lines {
		if _, ok := out[l.SourceFileID]; ok {
			continue
		}
		job, err := p.store.Uploads.GetAny(ctx, l.SourceFileID)
		if err != nil {
			return nil, fmt.Errorf("load upload %s: %w", l.SourceFileID, err)
		}
		out[l.SourceFileID] = job
	}
	return out, nil
}

// classify decides one line's outcome and, when processed, its record.
func (p *BatchProcessor) classify(line *domain.RawLine, job *domain.UploadJob, now time.Time) (*domain.DecodedRecord, repository.LineOutcome) {
	out := repository.LineOutcome{ID: line.ID}
	reg := p.decoder.Registry()

	if len(line.RawText) < reg.TypeEnd() {
		out.Status, out.Message = domain.LineStatusError, reasonTooShort
		return nil, out
	}
	rt := line.RecordType
	if rt == "" {
		rt = reg.Identify(line.RawText)
	}
	if p.skip[rt] {
		out.Status, out.Message = domain.LineStatusSkipped, reasonExcluded
		return nil, out
	}
	layout, ok := reg.Layout(rt)
	if !ok {
		out.Status, out.Message = domain.LineStatusSkipped, reasonNonTarget
		return nil, out
	}

	res := decoder.DecodeLayout(line.RawText, layout)
	if res.Malformed() {
		out.Status = domain.LineStatusError
		out.Message = fmt.Sprintf("%v: missing required field(s) %s", domain.ErrMalformedRecord, strings.Join(res.MissingRequired, ", "))
		return nil, out
	}

	rec := &domain.DecodedRecord{
		UploadID:              line.SourceFileID,
		Filename:              job.Filename,
		RecordType:            rt,
		LineNumber:            line.LineNumber,
		RawLine:               line.RawText,
		ExtractedFields:       datatypes.JSONMap(res.Map()),
		RawLineHash:           res.Hash,
		MerchantAccountNumber: res.Value("merchant_account_number"),
		TerminalID:            res.Value("terminal_id"),
		ProcessingDate:        decoder.BusinessDate(res, layout, job.BusinessDate),
		LayoutVersion:         reg.Version(),
		ParsedAt:              now,
	}
	repairs := res.RepairFlags
	if line.Sanitized {
		repairs = append(repairs, repairSanitized)
	}
	if len(repairs) > 0 {
		flags, _ := json.Marshal(repairs)
		rec.RepairFlags = datatypes.JSON(flags)
	}
	out.Status = domain.LineStatusProcessed
	return rec, out
}

func recordTypeLabel(line *domain.RawLine) string {
	if line.RecordType == "" {
		return "unknown"
	}
	return line.RecordType
}

// RefreshPendingGauge publishes per-record-type pending counts.
func (p *BatchProcessor) RefreshPendingGauge(ctx context.Context) error {
	counts, err := p.store.Lines.CountByRecordType(ctx)
	if err != nil {
		return err
	}
	p.metrics.PendingLines.Reset()
	for rt, c := range counts {
		if rt == "" {
			rt = "unknown"
		}
		p.metrics.PendingLines.WithLabelValues(rt).Add(float64(c.Pending))
	}
	return nil
}
