package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/timmy/tddf/internal/decoder"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/fieldspec"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/storage"
)

// DetectedTypeTDDF is the only file type the pipeline ingests.
const DetectedTypeTDDF = "tddf"

// PipelineConfig holds configuration for the upload pipeline
type PipelineConfig struct {
	KeyPrefix            string
	MaxRetries           int
	RetryBackoff         time.Duration
	StaleAfter           time.Duration
	RejectDuplicateFiles bool
	IdentifySampleLines  int
	LoadChunkSize        int
	// Uploads examined per phase in one Advance call.
	AdvanceBatch    int
	HardDeleteAfter time.Duration
}

// Pipeline drives uploads through their phases.
type Pipeline struct {
	store    *repository.Store
	storage  storage.ObjectStorage
	registry *fieldspec.Registry
	metrics  *metrics.Metrics
	cfg      PipelineConfig
	now      func() time.Time
}

// NewPipeline creates a new upload pipeline
func NewPipeline(store *repository.Store, objectStorage storage.ObjectStorage, registry *fieldspec.Registry, m *metrics.Metrics, cfg PipelineConfig) *Pipeline {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "uploads"
	}
	if cfg.IdentifySampleLines <= 0 {
		cfg.IdentifySampleLines = 20
	}
	if cfg.LoadChunkSize <= 0 {
		cfg.LoadChunkSize = 5000
	}
	if cfg.AdvanceBatch <= 0 {
		cfg.AdvanceBatch = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Pipeline{
		store:    store,
		storage:  objectStorage,
		registry: registry,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AdvanceStats counts what one Advance call did.
type AdvanceStats struct {
	Identified int `json:"identified"`
	Loaded     int `json:"loaded"`
	Encoded    int `json:"encoded"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Waiting    int `json:"waiting"`
}

// advanceOrder lists phases whose uploads the pipeline moves on its own.
var advanceOrder = []domain.Phase{
	domain.PhaseUploaded,
	domain.PhaseIdentified,
	domain.PhaseEncoding,
	domain.PhaseEncoded,
	domain.PhaseProcessing,
}

// Advance moves every eligible upload at most one step per phase.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - *AdvanceStats: per-step counts.
//   - error: non-nil only if listing uploads fails; per-upload failures move
//     that upload to error and are counted.
func (p *Pipeline) Advance(ctx context.Context) (*AdvanceStats, error) {
	stats := &AdvanceStats{}
	for _, phase := range advanceOrder {
		jobs, err := p.store.Uploads.ListByPhase(ctx, phase, p.cfg.AdvanceBatch)
		if err != nil {
			return stats, fmt.Errorf("list %s uploads: %w", phase, err)
		}
		for i := range jobs {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			p.advanceOne(ctx, &jobs[i], stats)
		}
	}
	return stats, nil
}

// AdvanceUpload runs the next step for one upload.
func (p *Pipeline) AdvanceUpload(ctx context.Context, id string) (*domain.UploadJob, error) {
	job, err := p.store.Uploads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &AdvanceStats{}
	if err := p.step(ctx, job, stats); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			p.fail(ctx, job, err)
		}
		return nil, err
	}
	return p.store.Uploads.GetByID(ctx, id)
}

func (p *Pipeline) advanceOne(ctx context.Context, job *domain.UploadJob, stats *AdvanceStats) {
	ctx = logger.SetUploadID(ctx, job.ID)
	err := p.step(ctx, job, stats)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidTransition):
		// Another worker moved the upload first.
		logger.CtxDebug(ctx, "Upload %s advanced concurrently: %v", job.ID, err)
	default:
		stats.Failed++
		p.fail(ctx, job, err)
	}
}

func (p *Pipeline) step(ctx context.Context, job *domain.UploadJob, stats *AdvanceStats) error {
	switch job.Phase {
	case domain.PhaseUploaded:
		if err := p.identify(ctx, job); err != nil {
			return err
		}
		stats.Identified++
	case domain.PhaseIdentified, domain.PhaseEncoding:
		loaded, err := p.load(ctx, job)
		if err != nil {
			return err
		}
		if loaded {
			stats.Loaded++
		}
		encoded, err := p.completeEncoding(ctx, job)
		if err != nil {
			return err
		}
		if encoded {
			stats.Encoded++
		} else {
			stats.Waiting++
		}
	case domain.PhaseEncoded, domain.PhaseProcessing:
		if err := p.complete(ctx, job); err != nil {
			return err
		}
		stats.Completed++
	}
	return nil
}

// transition applies a compare-and-set phase change and keeps job in sync.
func (p *Pipeline) transition(ctx context.Context, job *domain.UploadJob, to domain.Phase, fields map[string]interface{}) error {
	if err := p.store.Uploads.Transition(ctx, job.ID, job.Phase, to, fields); err != nil {
		return err
	}
	logger.With(logger.Fields{"from": job.Phase, logger.FieldPhase: to}).
		Info(ctx, "Upload %s moved to %s", job.ID, to)
	p.metrics.Transitions.WithLabelValues(string(to)).Inc()
	job.Phase = to
	return nil
}

// fail records a file-level failure. Transient failures stay retryable within
// the configured budget.
func (p *Pipeline) fail(ctx context.Context, job *domain.UploadJob, cause error) {
	transient := domain.IsTransient(cause)
	updated, err := p.store.Uploads.Fail(ctx, job.ID, cause.Error(), transient, p.cfg.MaxRetries, p.cfg.RetryBackoff)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Failed to record failure of upload %s: %v", job.ID, cause)
		return
	}
	p.metrics.Transitions.WithLabelValues(string(domain.PhaseError)).Inc()
	logger.With(logger.Fields{
		"failed_phase": updated.FailedPhase,
		"retry_count":  updated.RetryCount,
		"can_retry":    updated.CanRetry,
	}).Warn(ctx, "Upload %s failed: %v", job.ID, cause)
	*job = *updated
}

// identify sniffs the first lines of the blob and classifies the file.
func (p *Pipeline) identify(ctx context.Context, job *domain.UploadJob) error {
	rc, err := p.storage.Download(ctx, job.StorageKey)
	p.metrics.StorageOp("download", err)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}
	defer rc.Close()

	sampled, known := 0, 0
	reader := bufio.NewReader(rc)
	for sampled < p.cfg.IdentifySampleLines {
		line, err := readLine(reader)
		if line != "" && strings.TrimSpace(line) != "" {
			sampled++
			if p.registry.Knows(p.registry.Identify(line)) {
				known++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", domain.ErrTransientIO, job.StorageKey, err)
		}
	}

	if known == 0 || known*2 < sampled {
		return fmt.Errorf("%w: %d of %d sampled lines carry a known record type", domain.ErrUnrecognizedFileType, known, sampled)
	}

	mismatch := job.DeclaredType != "" && !strings.EqualFold(job.DeclaredType, DetectedTypeTDDF)
	if mismatch {
		warning := fmt.Sprintf("declared type %q but content is %s", job.DeclaredType, DetectedTypeTDDF)
		if err := p.store.Uploads.AddWarning(ctx, job.ID, warning); err != nil {
			return err
		}
		logger.CtxWarn(ctx, "Upload %s: %s", job.ID, warning)
	}
	return p.transition(ctx, job, domain.PhaseIdentified, map[string]interface{}{
		"detected_type": DetectedTypeTDDF,
		"type_mismatch": mismatch,
	})
}

// load stages the blob's lines, resuming after the last line already staged.
// It reports whether a load ran.
func (p *Pipeline) load(ctx context.Context, job *domain.UploadJob) (bool, error) {
	if job.Phase == domain.PhaseIdentified {
		if err := p.transition(ctx, job, domain.PhaseEncoding, nil); err != nil {
			return false, err
		}
	}
	if job.LoadedAt != nil {
		return false, nil
	}

	start := time.Now()
	total, err := p.loadLines(ctx, job)
	if err != nil {
		return false, err
	}
	now := p.now()
	if err := p.store.Uploads.Update(ctx, job.ID, map[string]interface{}{
		"loaded_at":  now,
		"line_count": total,
	}); err != nil {
		return false, err
	}
	job.LoadedAt = &now
	job.LineCount = total
	logger.With(logger.Fields{"lines": total}).WithDuration(start).Info(ctx, "Upload %s staged", job.ID)
	return true, nil
}

// loadLines streams the blob into raw lines in chunks of LoadChunkSize rows,
// each chunk its own transaction. Blank lines are not staged but keep their
// line number. Returns the total staged line count.
func (p *Pipeline) loadLines(ctx context.Context, job *domain.UploadJob) (int64, error) {
	resumeAfter, err := p.store.Lines.MaxLineNumber(ctx, job.ID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}

	rc, err := p.storage.Download(ctx, job.StorageKey)
	p.metrics.StorageOp("download", err)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrTransientIO, err)
	}
	defer rc.Close()

	reader := bufio.NewReader(rc)
	chunk := make([]domain.RawLine, 0, p.cfg.LoadChunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := p.store.Lines.BulkInsert(ctx, chunk); err != nil {
			return fmt.Errorf("%w: stage lines: %v", domain.ErrTransientIO, err)
		}
		chunk = chunk[:0]
		return nil
	}

	lineNo, sanitized := 0, 0
	for {
		text, readErr := readLine(reader)
		if readErr != nil && readErr != io.EOF {
			return 0, fmt.Errorf("%w: read %s: %v", domain.ErrTransientIO, job.StorageKey, readErr)
		}
		if readErr == io.EOF && text == "" {
			break
		}
		lineNo++
		if lineNo > resumeAfter && strings.TrimSpace(text) != "" {
			clean, changed := decoder.SanitizeLine(text)
			if changed {
				sanitized++
			}
			chunk = append(chunk, domain.RawLine{
				SourceFileID: job.ID,
				LineNumber:   lineNo,
				RecordType:   p.registry.Identify(clean),
				RawText:      clean,
				Sanitized:    changed,
			})
			if len(chunk) >= p.cfg.LoadChunkSize {
				if err := flush(); err != nil {
					return 0, err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if sanitized > 0 {
		warning := fmt.Sprintf("%d line(s) had NUL or invalid UTF-8 bytes replaced", sanitized)
		if err := p.store.Uploads.AddWarning(ctx, job.ID, warning); err != nil {
			return 0, err
		}
		logger.CtxWarn(ctx, "Upload %s: %s", job.ID, warning)
	}

	counts, err := p.store.Lines.CountByStatus(ctx, job.ID)
	if err != nil {
		return 0, err
	}
	return counts.Total(), nil
}

// readLine returns the next line without its terminator. At end of input it
// returns the trailing partial line, if any, with io.EOF.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	return line, err
}

// completeEncoding moves a fully loaded upload to encoded once no line is
// pending. Errors and skips do not block. Reports whether it moved.
func (p *Pipeline) completeEncoding(ctx context.Context, job *domain.UploadJob) (bool, error) {
	if job.LoadedAt == nil {
		return false, nil
	}
	counts, err := p.store.Lines.CountByStatus(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if counts.Pending > 0 {
		return false, nil
	}
	if err := p.transition(ctx, job, domain.PhaseEncoded, countFields(counts)); err != nil {
		return false, err
	}
	return true, nil
}

// complete rolls line outcomes up into the upload and finishes it.
func (p *Pipeline) complete(ctx context.Context, job *domain.UploadJob) error {
	counts, err := p.store.Lines.CountByStatus(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Phase == domain.PhaseEncoded {
		if err := p.transition(ctx, job, domain.PhaseProcessing, countFields(counts)); err != nil {
			return err
		}
	}
	return p.transition(ctx, job, domain.PhaseCompleted, countFields(counts))
}

func countFields(c repository.LineCounts) map[string]interface{} {
	return map[string]interface{}{
		"line_count":      c.Total(),
		"processed_count": c.Processed,
		"skipped_count":   c.Skipped,
		"error_count":     c.Error,
	}
}

// Archive moves a completed upload to archived.
func (p *Pipeline) Archive(ctx context.Context, id string) (*domain.UploadJob, error) {
	job, err := p.store.Uploads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.transition(ctx, job, domain.PhaseArchived, map[string]interface{}{"archived": true}); err != nil {
		return nil, err
	}
	return p.store.Uploads.GetByID(ctx, id)
}

// Retry puts one errored upload back into its failed phase.
func (p *Pipeline) Retry(ctx context.Context, id string) (*domain.UploadJob, error) {
	job, err := p.store.Uploads.Retry(ctx, id, p.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	p.metrics.Transitions.WithLabelValues(string(job.Phase)).Inc()
	logger.With(logger.Fields{
		logger.FieldPhase: job.Phase,
		"retry_count":     job.RetryCount,
	}).Info(ctx, "Upload %s retried", id)
	return job, nil
}

// RetryDue retries every errored upload whose backoff has elapsed.
// Returns the number of uploads retried.
func (p *Pipeline) RetryDue(ctx context.Context) (int, error) {
	jobs, err := p.store.Uploads.ListDueRetries(ctx, p.now(), p.cfg.AdvanceBatch)
	if err != nil {
		return 0, err
	}
	retried := 0
	for _, job := range jobs {
		if _, err := p.Retry(ctx, job.ID); err != nil {
			logger.CtxWarn(ctx, "Automatic retry of %s skipped: %v", job.ID, err)
			continue
		}
		retried++
	}
	return retried, nil
}

// RefreshPhaseGauge publishes live upload counts per phase.
func (p *Pipeline) RefreshPhaseGauge(ctx context.Context) error {
	counts, err := p.store.Uploads.CountByPhase(ctx)
	if err != nil {
		return err
	}
	for _, phase := range domain.AllPhases {
		p.metrics.UploadsByPhase.WithLabelValues(string(phase)).Set(float64(counts[phase]))
	}
	return nil
}
