// Package uploader pushes files from a local inbox to the intake API.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultChunkSize is the largest body sent in one request; bigger files are
// chunked.
const DefaultChunkSize = 25 << 20

// ErrUnauthorized means the server rejected the API key.
var ErrUnauthorized = errors.New("api key rejected")

// ClientConfig holds configuration for the intake API client.
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	ChunkSize int64
}

// Client talks to the intake API.
type Client struct {
	client    *resty.Client
	chunkSize int64
}

// NewClient creates a new intake API client.
// Parameters:
//   - cfg: server URL, key and limits.
//
// Returns:
//   - *Client: initialized client.
func NewClient(cfg ClientConfig) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	client.SetTimeout(timeout)

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	return &Client{client: client, chunkSize: chunk}
}

// PingResponse mirrors the server's ping answer.
type PingResponse struct {
	ServiceStatus string `json:"serviceStatus"`
	KeyStatus     string `json:"keyStatus"`
	KeyUser       string `json:"keyUser"`
	Environment   string `json:"environment"`
	Timestamp     string `json:"timestamp"`
}

// Ready reports a running server that accepted the key.
func (p *PingResponse) Ready() bool {
	return p.ServiceStatus == "running" && p.KeyStatus == "valid"
}

// QueueStatus mirrors the server's queue summary.
type QueueStatus struct {
	Pending    int64            `json:"pending"`
	Processing int64            `json:"processing"`
	Completed  int64            `json:"completed"`
	Failed     int64            `json:"failed"`
	ByPhase    map[string]int64 `json:"by_phase"`
}

// UploadResult describes an accepted file.
type UploadResult struct {
	ID    string `json:"id"`
	Phase string `json:"phase"`
	// Set when the server already held identical content.
	Duplicate  bool   `json:"-"`
	ExistingID string `json:"-"`
	Chunks     int    `json:"-"`
}

type apiError struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id"`
}

// httpError builds an error from a non-2xx response.
func httpError(what string, resp *resty.Response, body *apiError) error {
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode())
	if body != nil && body.Error != "" {
		msg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode(), body.Error)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w: %s", what, ErrUnauthorized, msg)
	}
	return fmt.Errorf("%s: %s", what, msg)
}

// Ping checks connectivity. It needs no key; a configured key is validated.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - *PingResponse: server status and key status.
//   - error: non-nil if the server is unreachable or answers non-200.
func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	var resp PingResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/api/uploader/ping")
	if err != nil {
		return nil, fmt.Errorf("failed to ping server: %w", err)
	}
	if httpResp.StatusCode() != http.StatusOK {
		return nil, httpError("ping", httpResp, nil)
	}
	return &resp, nil
}

// Status returns the server's upload queue counts.
func (c *Client) Status(ctx context.Context) (*QueueStatus, error) {
	var resp QueueStatus
	var apiErr apiError
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		SetError(&apiErr).
		Get("/api/uploader/status")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	if httpResp.IsError() {
		return nil, httpError("status", httpResp, &apiErr)
	}
	return &resp, nil
}

// Upload sends one file. Files up to the chunk size go in a single request;
// larger files open a session and send numbered chunks. A 409 answer means
// the server already holds the content and counts as success.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - path: file to send; the server sees its base name.
//   - name: file name reported to the server.
//
// Returns:
//   - *UploadResult: server id of the upload.
//   - error: non-nil if any request fails.
func (c *Client) Upload(ctx context.Context, path, name string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = filepath.Base(path)
	}
	if info.Size() <= c.chunkSize {
		return c.uploadSingle(ctx, f, name)
	}
	return c.uploadChunked(ctx, f, name, info.Size())
}

func (c *Client) uploadSingle(ctx context.Context, r io.Reader, name string) (*UploadResult, error) {
	var resp UploadResult
	var apiErr apiError
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", name, r).
		SetResult(&resp).
		SetError(&apiErr).
		Post("/api/uploader/upload")
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	if httpResp.StatusCode() == http.StatusConflict {
		return &UploadResult{Duplicate: true, ExistingID: apiErr.ExistingID, ID: apiErr.ExistingID}, nil
	}
	if httpResp.IsError() {
		return nil, httpError("upload "+name, httpResp, &apiErr)
	}
	return &resp, nil
}

type startRequest struct {
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	ChunkCount int    `json:"chunk_count"`
}

type chunkProgress struct {
	Upload   UploadResult `json:"upload"`
	Received int          `json:"chunks_received"`
	Total    int          `json:"chunks_total"`
	Complete bool         `json:"complete"`
}

func (c *Client) uploadChunked(ctx context.Context, r io.Reader, name string, size int64) (*UploadResult, error) {
	total := int((size + c.chunkSize - 1) / c.chunkSize)

	var started UploadResult
	var apiErr apiError
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetBody(startRequest{Filename: name, FileSize: size, ChunkCount: total}).
		SetResult(&started).
		SetError(&apiErr).
		Post("/api/uploader/start")
	if err != nil {
		return nil, fmt.Errorf("failed to start upload of %s: %w", name, err)
	}
	if httpResp.IsError() {
		return nil, httpError("start "+name, httpResp, &apiErr)
	}

	buf := make([]byte, c.chunkSize)
	var progress chunkProgress
	for i := 0; i < total; i++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read chunk %d of %s: %w", i, name, err)
		}
		apiErr = apiError{}
		httpResp, err := c.client.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"chunk_index":  strconv.Itoa(i),
				"total_chunks": strconv.Itoa(total),
			}).
			SetFileReader("chunk", "chunk", bytes.NewReader(buf[:n])).
			SetResult(&progress).
			SetError(&apiErr).
			Post("/api/uploader/" + started.ID + "/upload-chunk")
		if err != nil {
			return nil, fmt.Errorf("failed to send chunk %d/%d of %s: %w", i+1, total, name, err)
		}
		if httpResp.StatusCode() == http.StatusConflict && i == total-1 && apiErr.ExistingID != "" {
			return &UploadResult{ID: started.ID, Duplicate: true, ExistingID: apiErr.ExistingID, Chunks: total}, nil
		}
		if httpResp.IsError() {
			return nil, httpError(fmt.Sprintf("chunk %d/%d of %s", i+1, total, name), httpResp, &apiErr)
		}
	}
	if !progress.Complete {
		return nil, fmt.Errorf("server reports %d/%d chunks of %s", progress.Received, progress.Total, name)
	}
	res := progress.Upload
	res.Chunks = total
	return &res, nil
}
