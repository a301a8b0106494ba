package handler

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tddf/internal/api/middleware"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/service"
)

const dateLayout = "2006-01-02"

// OpsHandler handles operator actions on uploads, records and storage.
type OpsHandler struct {
	pipeline   *service.Pipeline
	processor  *service.BatchProcessor
	lifecycle  *service.LifecycleManager
	store      *repository.Store
	scanPrefix string

	// Last manual processor run
	mu            sync.RWMutex
	lastRunTime   time.Time
	lastRunStatus string
	lastStats     *service.ProcessStats
}

// NewOpsHandler creates a new ops handler.
// Parameters:
//   - pipeline: upload pipeline.
//   - processor: batch processor for manual runs.
//   - lifecycle: object lifecycle manager.
//   - store: repositories for read-only reports.
//   - scanPrefix: default storage prefix for scans.
//
// Returns:
//   - *OpsHandler: initialized handler.
func NewOpsHandler(pipeline *service.Pipeline, processor *service.BatchProcessor, lifecycle *service.LifecycleManager, store *repository.Store, scanPrefix string) *OpsHandler {
	return &OpsHandler{
		pipeline:   pipeline,
		processor:  processor,
		lifecycle:  lifecycle,
		store:      store,
		scanPrefix: scanPrefix,
	}
}

// ExecuteRequest selects preview or execution for destructive actions.
type ExecuteRequest struct {
	Execute bool `json:"execute"`
}

// DeleteRequest lists uploads to soft-delete.
type DeleteRequest struct {
	IDs     []string `json:"ids" binding:"required,min=1"`
	Execute bool     `json:"execute"`
}

// ScanRequest overrides the scanned prefix.
type ScanRequest struct {
	Prefix string `json:"prefix"`
}

// PurgeRequest configures a purge run. Real runs are opt-in.
type PurgeRequest struct {
	Execute   bool   `json:"execute"`
	BatchSize int    `json:"batch_size" binding:"min=0,max=10000"`
	Limit     int    `json:"limit" binding:"min=0"`
	AsOf      string `json:"as_of"`
}

// ProcessRequest limits a manual processor run to one upload.
type ProcessRequest struct {
	UploadID string `json:"upload_id"`
}

// ProcessStatusResponse reports the last manual processor run.
type ProcessStatusResponse struct {
	LastRunTime   string                `json:"last_run_time,omitempty"`
	LastRunStatus string                `json:"last_run_status,omitempty"`
	Stats         *service.ProcessStats `json:"stats,omitempty"`
}

// operator is the authenticated key user. The auth middleware has already
// put it on the request's log context.
func operator(c *gin.Context) string {
	return middleware.KeyUser(c)
}

// bindOptional binds a JSON body when one is sent.
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + key})
		return 0, false
	}
	return n, true
}

// Retry reopens a failed upload that still has retry budget.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Retry(c *gin.Context) {
	job, err := h.pipeline.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Retry failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Archive moves a completed upload to archived.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Archive(c *gin.Context) {
	job, err := h.pipeline.Archive(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Archive failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// AdvanceUpload runs one pipeline step for a single upload.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) AdvanceUpload(c *gin.Context) {
	job, err := h.pipeline.AdvanceUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Advance failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Advance runs one pipeline step for every eligible upload.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Advance(c *gin.Context) {
	stats, err := h.pipeline.Advance(c.Request.Context())
	if err != nil {
		fail(c, "Advance failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Process runs the batch processor synchronously.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Process(c *gin.Context) {
	var req ProcessRequest
	if !bindOptional(c, &req) {
		return
	}
	stats, err := h.processor.Run(c.Request.Context(), req.UploadID)

	h.mu.Lock()
	h.lastRunTime = time.Now()
	h.lastStats = stats
	h.lastRunStatus = "success"
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	}
	h.mu.Unlock()

	if err != nil {
		fail(c, "Processing failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ProcessStatus reports the last manual processor run.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) ProcessStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := ProcessStatusResponse{
		LastRunStatus: h.lastRunStatus,
		Stats:         h.lastStats,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// SoftDelete previews or executes a soft delete of the listed uploads.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) SoftDelete(c *gin.Context) {
	var req DeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	op := operator(c)
	report, err := h.pipeline.SoftDelete(c.Request.Context(), req.IDs, op, req.Execute)
	if err != nil {
		fail(c, "Delete failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Stale previews or executes the soft delete of uploads stuck mid-pipeline.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Stale(c *gin.Context) {
	var req ExecuteRequest
	if !bindOptional(c, &req) {
		return
	}
	op := operator(c)
	report, err := h.pipeline.DeleteStale(c.Request.Context(), op, req.Execute)
	if err != nil {
		fail(c, "Stale cleanup failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Retention previews or executes one retention step.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Retention(c *gin.Context) {
	var req ExecuteRequest
	if !bindOptional(c, &req) {
		return
	}
	op := operator(c)
	report, err := h.pipeline.Retention(c.Request.Context(), op, req.Execute)
	if err != nil {
		fail(c, "Retention failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Scan reconciles stored objects with upload rows.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Scan(c *gin.Context) {
	req := ScanRequest{Prefix: h.scanPrefix}
	if !bindOptional(c, &req) {
		return
	}
	report, err := h.lifecycle.Scan(c.Request.Context(), req.Prefix)
	if err != nil {
		fail(c, "Scan failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Plan lists purge candidates without touching storage.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Plan(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	asOf, ok := parseAsOf(c, c.Query("as_of"))
	if !ok {
		return
	}
	plan, err := h.lifecycle.Plan(c.Request.Context(), asOf, limit)
	if err != nil {
		fail(c, "Plan failed", err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// Purge runs a purge. Without execute it is a dry run returning the plan.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Purge(c *gin.Context) {
	var req PurgeRequest
	if !bindOptional(c, &req) {
		return
	}
	asOf, ok := parseAsOf(c, req.AsOf)
	if !ok {
		return
	}
	op := operator(c)
	result, err := h.lifecycle.Execute(c.Request.Context(), service.ExecuteOptions{
		Operator:  op,
		DryRun:    !req.Execute,
		BatchSize: req.BatchSize,
		AsOf:      asOf,
		Limit:     req.Limit,
	})
	if err != nil {
		fail(c, "Purge failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// PurgeSummary reports tracked objects and purge tasks by status.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) PurgeSummary(c *gin.Context) {
	objects, tasks, err := h.lifecycle.Summary(c.Request.Context())
	if err != nil {
		fail(c, "Summary failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"objects": objects, "tasks": tasks})
}

// Duplicates reports records of an upload whose content also appears in
// another upload.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Duplicates(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	dups, err := h.store.Records.FindCrossUploadDuplicates(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, "Duplicate report failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": c.Param("id"), "duplicates": dups, "total": len(dups)})
}

// Records lists decoded records in a processing date range [from, to).
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Records(c *gin.Context) {
	from, err := time.Parse(dateLayout, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from, want YYYY-MM-DD"})
		return
	}
	to, err := time.Parse(dateLayout, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to, want YYYY-MM-DD"})
		return
	}
	limit, ok := queryInt(c, "limit", 100)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	records, err := h.store.Records.ListByDateRange(c.Request.Context(), from, to, repository.RecordFilter{
		RecordType:            c.Query("record_type"),
		MerchantAccountNumber: c.Query("merchant"),
		TerminalID:            c.Query("terminal"),
		Limit:                 limit,
		Offset:                offset,
	})
	if err != nil {
		fail(c, "Record query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total": len(records)})
}

// Partitions lists the ingestion store's quarterly partitions.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *OpsHandler) Partitions(c *gin.Context) {
	names, err := h.store.Partitions.ListPartitions(c.Request.Context())
	if err != nil {
		fail(c, "Partition listing failed", err)
		return
	}
	stranded, err := h.store.Partitions.Stranded(c.Request.Context())
	if err != nil {
		fail(c, "Partition listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": h.store.Partitions.Enabled(), "partitions": names, "stranded": stranded})
}

func parseAsOf(c *gin.Context, raw string) (time.Time, bool) {
	if raw == "" {
		return time.Now().UTC(), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid as_of, want RFC3339"})
		return time.Time{}, false
	}
	return t, true
}
