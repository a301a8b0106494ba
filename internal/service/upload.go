package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/timmy/tddf/internal/decoder"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/repository"
)

const contentTypeText = "text/plain"

// StartRequest opens an upload session.
type StartRequest struct {
	Filename     string `json:"filename" binding:"required"`
	FileSize     int64  `json:"file_size"`
	DeclaredType string `json:"declared_type"`
	// Zero for a single-body upload.
	ChunkCount int    `json:"chunk_count"`
	UploadedBy string `json:"-"`
}

// DuplicateError reports a file whose content matches a live upload.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v: content matches upload %s", domain.ErrDuplicateIngestion, e.ExistingID)
}

func (e *DuplicateError) Unwrap() error { return domain.ErrDuplicateIngestion }

// Start creates an upload in phase started.
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (*domain.UploadJob, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(req.Filename), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrInvalidInput)
	}
	if req.FileSize < 0 {
		return nil, fmt.Errorf("%w: file_size must not be negative", domain.ErrInvalidInput)
	}
	if req.ChunkCount < 0 {
		return nil, fmt.Errorf("%w: chunk_count must not be negative", domain.ErrInvalidInput)
	}

	now := p.now()
	id := uuid.New().String()
	job := &domain.UploadJob{
		ID:             id,
		Filename:       name,
		FileSize:       req.FileSize,
		DeclaredType:   strings.ToLower(strings.TrimSpace(req.DeclaredType)),
		UploadedBy:     req.UploadedBy,
		StorageKey:     domain.UploadKeyPrefix(p.cfg.KeyPrefix, id) + name,
		ChunkCount:     req.ChunkCount,
		Phase:          domain.PhaseStarted,
		StartedAt:      &now,
		RetentionState: domain.RetentionActive,
	}
	if d, ok := decoder.BusinessDateFromFilename(name); ok {
		job.BusinessDate = &d
	}
	if err := p.store.Uploads.Create(ctx, job); err != nil {
		return nil, err
	}
	p.metrics.Transitions.WithLabelValues(string(domain.PhaseStarted)).Inc()
	logger.With(logger.Fields{
		logger.FieldUploadID: id,
		logger.FieldSize:     req.FileSize,
		"filename":           name,
		"chunks":             req.ChunkCount,
	}).Info(ctx, "Upload started")
	return job, nil
}

// beginReceive moves a started upload to uploading. An upload already
// uploading is accepted so a client can resend after a dropped connection.
func (p *Pipeline) beginReceive(ctx context.Context, id string, fields map[string]interface{}) (*domain.UploadJob, error) {
	job, err := p.store.Uploads.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Phase {
	case domain.PhaseStarted:
		if err := p.transition(ctx, job, domain.PhaseUploading, fields); err != nil {
			return nil, err
		}
	case domain.PhaseUploading:
	default:
		return nil, fmt.Errorf("%w: upload %s is %s, not receiving content", domain.ErrInvalidTransition, id, job.Phase)
	}
	return job, nil
}

// ReceiveFile stores the whole file body. size is -1 when unknown.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: upload id returned by Start.
//   - r: file body.
//   - size: body length in bytes, or -1.
//
// Returns:
//   - *domain.UploadJob: the upload, in phase uploaded on success.
//   - error: *DuplicateError when duplicates are rejected; storage failures
//     wrap domain.ErrTransientIO and leave the upload retryable.
func (p *Pipeline) ReceiveFile(ctx context.Context, id string, r io.Reader, size int64) (*domain.UploadJob, error) {
	ctx = logger.SetUploadID(ctx, id)
	job, err := p.beginReceive(ctx, id, nil)
	if err != nil {
		return nil, err
	}

	hash := sha256.New()
	counter := &countingReader{r: io.TeeReader(r, hash)}
	err = p.storage.Upload(ctx, job.StorageKey, counter, size, contentTypeText)
	p.metrics.StorageOp("upload", err)
	if err != nil {
		err = fmt.Errorf("%w: store %s: %v", domain.ErrTransientIO, job.StorageKey, err)
		p.fail(ctx, job, err)
		return job, err
	}
	return p.finishReceive(ctx, job, counter.n, hex.EncodeToString(hash.Sum(nil)))
}

// ChunkProgress reports chunked upload progress.
type ChunkProgress struct {
	Job      *domain.UploadJob `json:"upload"`
	Received int               `json:"chunks_received"`
	Total    int               `json:"chunks_total"`
	Complete bool              `json:"complete"`
}

// ReceiveChunk stores one chunk. Chunks may arrive in any order and may be
// resent; once all are present they are assembled into the final object.
func (p *Pipeline) ReceiveChunk(ctx context.Context, id string, index, total int, r io.Reader, size int64) (*ChunkProgress, error) {
	ctx = logger.SetUploadID(ctx, id)
	if total <= 0 || index < 0 || index >= total {
		return nil, fmt.Errorf("%w: chunk index %d out of range for %d chunks", domain.ErrInvalidInput, index, total)
	}
	job, err := p.beginReceive(ctx, id, map[string]interface{}{"chunk_count": total})
	if err != nil {
		return nil, err
	}
	if job.ChunkCount != 0 && job.ChunkCount != total {
		return nil, fmt.Errorf("%w: upload %s expects %d chunks, got total %d", domain.ErrInvalidInput, id, job.ChunkCount, total)
	}
	job.ChunkCount = total

	err = p.storage.Upload(ctx, domain.ChunkKey(p.cfg.KeyPrefix, id, index), r, size, "application/octet-stream")
	p.metrics.StorageOp("upload", err)
	if err != nil {
		// The client retries the chunk; the upload itself stays open.
		return nil, fmt.Errorf("%w: store chunk %d: %v", domain.ErrTransientIO, index, err)
	}

	// Progress is derived from what storage holds, so resends never double count.
	chunks, err := p.storage.List(ctx, domain.UploadKeyPrefix(p.cfg.KeyPrefix, id)+"chunks/")
	p.metrics.StorageOp("list", err)
	if err != nil {
		return nil, fmt.Errorf("%w: list chunks: %v", domain.ErrTransientIO, err)
	}
	var received int64
	for _, c := range chunks {
		received += c.Size
	}
	if err := p.store.Uploads.Update(ctx, id, map[string]interface{}{
		"chunks_uploaded": len(chunks),
		"bytes_received":  received,
	}); err != nil {
		return nil, err
	}
	job.ChunksUploaded = len(chunks)
	job.BytesReceived = received

	progress := &ChunkProgress{Job: job, Received: len(chunks), Total: total}
	logger.With(logger.Fields{"chunk": index, "received": len(chunks), "total": total}).
		Debug(ctx, "Chunk stored")
	if len(chunks) < total {
		return progress, nil
	}

	// A resent last chunk can race the first one here.
	claimed, err := p.store.Uploads.ClaimAssembly(ctx, id)
	if err != nil {
		return nil, err
	}
	if !claimed {
		logger.CtxDebug(ctx, "Assembly of upload %s already claimed", id)
		return progress, nil
	}
	job.Assembling = true

	job, err = p.assemble(ctx, job, received)
	progress.Job = job
	if err != nil {
		return progress, err
	}
	progress.Complete = true
	return progress, nil
}

// assemble concatenates the chunks in index order into the upload's object.
func (p *Pipeline) assemble(ctx context.Context, job *domain.UploadJob, size int64) (*domain.UploadJob, error) {
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < job.ChunkCount; i++ {
			rc, err := p.storage.Download(ctx, domain.ChunkKey(p.cfg.KeyPrefix, job.ID, i))
			p.metrics.StorageOp("download", err)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("read chunk %d: %w", i, err))
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy chunk %d: %w", i, err))
				return
			}
		}
		pw.Close()
	}()

	hash := sha256.New()
	counter := &countingReader{r: io.TeeReader(pr, hash)}
	err := p.storage.Upload(ctx, job.StorageKey, counter, size, contentTypeText)
	pr.CloseWithError(io.ErrClosedPipe)
	p.metrics.StorageOp("upload", err)
	if err != nil {
		err = fmt.Errorf("%w: assemble %s: %v", domain.ErrTransientIO, job.StorageKey, err)
		p.fail(ctx, job, err)
		return job, err
	}

	for i := 0; i < job.ChunkCount; i++ {
		key := domain.ChunkKey(p.cfg.KeyPrefix, job.ID, i)
		err := p.storage.Delete(ctx, key)
		p.metrics.StorageOp("delete", err)
		if err != nil {
			// Leftover chunks are found by the lifecycle scan.
			logger.CtxWarn(ctx, "Failed to delete chunk %s: %v", key, err)
		}
	}
	return p.finishReceive(ctx, job, counter.n, hex.EncodeToString(hash.Sum(nil)))
}

// finishReceive checks size and content hash, then moves the upload to
// uploaded. A declared size of zero accepts any length.
func (p *Pipeline) finishReceive(ctx context.Context, job *domain.UploadJob, received int64, hash string) (*domain.UploadJob, error) {
	if job.FileSize > 0 && received != job.FileSize {
		err := fmt.Errorf("%w: declared %d bytes, received %d", domain.ErrSizeMismatch, job.FileSize, received)
		p.fail(ctx, job, err)
		return job, err
	}

	fields := map[string]interface{}{
		"content_hash":   hash,
		"bytes_received": received,
		"file_size":      received,
		"assembling":     false,
	}

	dup, err := p.store.Uploads.FindLiveByHash(ctx, hash, job.ID)
	if err != nil {
		return nil, err
	}
	if dup != nil {
		if p.cfg.RejectDuplicateFiles {
			derr := &DuplicateError{ExistingID: dup.ID}
			if err := p.storage.Delete(ctx, job.StorageKey); err != nil {
				logger.CtxWarn(ctx, "Failed to delete rejected duplicate %s: %v", job.StorageKey, err)
			}
			p.fail(ctx, job, derr)
			return job, derr
		}
		fields["duplicate_of"] = dup.ID
		if err := p.store.Uploads.AddWarning(ctx, job.ID, fmt.Sprintf("content duplicates upload %s", dup.ID)); err != nil {
			return nil, err
		}
		logger.CtxWarn(ctx, "Upload %s duplicates %s", job.ID, dup.ID)
	}

	if err := p.transition(ctx, job, domain.PhaseUploaded, fields); err != nil {
		return nil, err
	}
	return p.store.Uploads.GetByID(ctx, job.ID)
}

// SingleShot starts an upload and receives its body in one call.
func (p *Pipeline) SingleShot(ctx context.Context, req StartRequest, r io.Reader) (*domain.UploadJob, error) {
	job, err := p.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	size := req.FileSize
	if size <= 0 {
		size = -1
	}
	return p.ReceiveFile(ctx, job.ID, r, size)
}

// UploadStatus is an upload together with its line outcome counts.
type UploadStatus struct {
	Upload  *domain.UploadJob     `json:"upload"`
	Deleted bool                  `json:"deleted"`
	Lines   repository.LineCounts `json:"lines"`
	Records int64                 `json:"records"`
}

// Status reports one upload, including soft-deleted ones.
func (p *Pipeline) Status(ctx context.Context, id string) (*UploadStatus, error) {
	job, err := p.store.Uploads.GetAny(ctx, id)
	if err != nil {
		return nil, err
	}
	lines, err := p.store.Lines.CountByStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := p.store.Records.CountByUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &UploadStatus{
		Upload:  job,
		Deleted: job.DeletedAt.Valid,
		Lines:   lines,
		Records: records,
	}, nil
}

// QueueSummary groups live uploads the way the uploader client reports them.
type QueueSummary struct {
	Pending    int64                  `json:"pending"`
	Processing int64                  `json:"processing"`
	Completed  int64                  `json:"completed"`
	Failed     int64                  `json:"failed"`
	ByPhase    map[domain.Phase]int64 `json:"by_phase"`
}

// Summary counts live uploads per client-facing bucket.
func (p *Pipeline) Summary(ctx context.Context) (*QueueSummary, error) {
	counts, err := p.store.Uploads.CountByPhase(ctx)
	if err != nil {
		return nil, err
	}
	s := &QueueSummary{ByPhase: counts}
	for phase, n := range counts {
		switch phase {
		case domain.PhaseStarted, domain.PhaseUploading, domain.PhaseUploaded:
			s.Pending += n
		case domain.PhaseIdentified, domain.PhaseEncoding, domain.PhaseEncoded, domain.PhaseProcessing:
			s.Processing += n
		case domain.PhaseCompleted, domain.PhaseArchived:
			s.Completed += n
		case domain.PhaseError:
			s.Failed += n
		}
	}
	return s, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}
