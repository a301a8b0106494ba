package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/tddf/internal/api/middleware"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/service"
)

// UploaderHandler serves the batch uploader client.
type UploaderHandler struct {
	pipeline      *service.Pipeline
	environment   string
	maxUploadSize int64
}

// NewUploaderHandler creates a new uploader handler.
// Parameters:
//   - pipeline: upload pipeline receiving files.
//   - environment: deployment name reported by ping.
//   - maxUploadSize: largest accepted request body in bytes, 0 for no limit.
//
// Returns:
//   - *UploaderHandler: initialized handler.
func NewUploaderHandler(pipeline *service.Pipeline, environment string, maxUploadSize int64) *UploaderHandler {
	return &UploaderHandler{
		pipeline:      pipeline,
		environment:   environment,
		maxUploadSize: maxUploadSize,
	}
}

// PingResponse answers the uploader's connectivity check.
type PingResponse struct {
	ServiceStatus string `json:"serviceStatus"`
	KeyStatus     string `json:"keyStatus"`
	KeyUser       string `json:"keyUser,omitempty"`
	Environment   string `json:"environment"`
	Timestamp     string `json:"timestamp"`
}

// Ping reports service status and, when a key is sent, whether it is valid.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, PingResponse{
		ServiceStatus: "running",
		KeyStatus:     middleware.KeyStatus(c),
		KeyUser:       middleware.KeyUser(c),
		Environment:   h.environment,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// Status returns queue counts grouped the way the client prints them.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) Status(c *gin.Context) {
	summary, err := h.pipeline.Summary(c.Request.Context())
	if err != nil {
		fail(c, "Failed to read queue status", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Start opens an upload session.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) Start(c *gin.Context) {
	var req service.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	req.UploadedBy = middleware.KeyUser(c)

	job, err := h.pipeline.Start(c.Request.Context(), req)
	if err != nil {
		fail(c, "Failed to start upload", err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// Upload receives the whole body of a started upload as multipart field "file".
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) Upload(c *gin.Context) {
	id := c.Param("id")
	h.limitBody(c)
	ctx := logger.SetUploadID(c.Request.Context(), id)

	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file: " + err.Error()})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable file: " + err.Error()})
		return
	}
	defer f.Close()

	job, err := h.pipeline.ReceiveFile(ctx, id, f, header.Size)
	if err != nil {
		fail(c, "Upload failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// UploadChunk receives one chunk as multipart field "chunk" with form fields
// chunk_index (0-based) and total_chunks.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) UploadChunk(c *gin.Context) {
	id := c.Param("id")
	h.limitBody(c)
	ctx := logger.SetUploadID(c.Request.Context(), id)

	index, err := strconv.Atoi(c.PostForm("chunk_index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chunk_index"})
		return
	}
	total, err := strconv.Atoi(c.PostForm("total_chunks"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid total_chunks"})
		return
	}
	header, err := c.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing chunk: " + err.Error()})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable chunk: " + err.Error()})
		return
	}
	defer f.Close()

	progress, err := h.pipeline.ReceiveChunk(ctx, id, index, total, f, header.Size)
	if err != nil {
		fail(c, "Chunk upload failed", err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// SingleShot starts and completes an upload from one multipart request.
// A rejected duplicate answers 409 with the id of the matching upload.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) SingleShot(c *gin.Context) {
	h.limitBody(c)
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file: " + err.Error()})
		return
	}
	f, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable file: " + err.Error()})
		return
	}
	defer f.Close()

	job, err := h.pipeline.SingleShot(c.Request.Context(), service.StartRequest{
		Filename:     header.Filename,
		FileSize:     header.Size,
		DeclaredType: c.PostForm("declared_type"),
		UploadedBy:   middleware.KeyUser(c),
	}, f)
	if err != nil {
		fail(c, "Upload failed", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetUpload reports one upload with its line counts. Soft-deleted uploads
// are shown with deleted set.
// Parameters:
//   - c: Gin request context.
//
// Returns: none (writes JSON response).
func (h *UploaderHandler) GetUpload(c *gin.Context) {
	status, err := h.pipeline.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "Failed to get upload", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *UploaderHandler) limitBody(c *gin.Context) {
	if h.maxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize)
	}
}
