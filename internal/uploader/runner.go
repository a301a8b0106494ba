package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/timmy/tddf/internal/logger"
)

// File outcomes in a run report.
const (
	FileSuccess   = "success"
	FileDuplicate = "duplicate"
	FileFailed    = "failed"
	FileSkipped   = "skipped"
)

// Config tunes an uploader run.
type Config struct {
	Folder         string
	MaxAttempts    int
	RetryBase      time.Duration
	WakeAttempts   int
	WakeInterval   time.Duration
	LockStaleAfter time.Duration
	Hostname       string
}

// Uploader moves inbox files to the server one run at a time.
type Uploader struct {
	client  *Client
	folders Folders
	cfg     Config
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an uploader and its folder layout.
// Parameters:
//   - client: intake API client.
//   - cfg: folder and retry settings.
//
// Returns:
//   - *Uploader: ready uploader.
//   - error: non-nil if the folders cannot be created.
func New(client *Client, cfg Config) (*Uploader, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.WakeAttempts <= 0 {
		cfg.WakeAttempts = 30
	}
	if cfg.WakeInterval <= 0 {
		cfg.WakeInterval = 5 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	folders := NewFolders(cfg.Folder)
	if err := folders.Ensure(); err != nil {
		return nil, err
	}
	return &Uploader{
		client:  client,
		folders: folders,
		cfg:     cfg,
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

// Folders returns the uploader's folder layout.
func (u *Uploader) Folders() Folders {
	return u.folders
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FileResult is one file's outcome.
type FileResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	UploadID   string `json:"upload_id,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`
	MovedTo    string `json:"moved_to,omitempty"`
}

// Report summarizes one run. It is also written to the logs folder.
type Report struct {
	Host       string       `json:"host"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Skipped    int          `json:"skipped"`
	Files      []FileResult `json:"files"`
	Error      string       `json:"error,omitempty"`
	Path       string       `json:"-"`
}

// WakeUp pings until the server is running and accepts the key.
func (u *Uploader) WakeUp(ctx context.Context) (*PingResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.WakeAttempts; attempt++ {
		ping, err := u.client.Ping(ctx)
		switch {
		case err != nil:
			lastErr = err
			logger.CtxWarn(ctx, "Wake-up ping %d/%d failed: %v", attempt, u.cfg.WakeAttempts, err)
		case ping.Ready():
			logger.With(logger.Fields{"key_user": ping.KeyUser, "environment": ping.Environment}).
				Info(ctx, "Server ready after %d ping(s)", attempt)
			return ping, nil
		default:
			lastErr = fmt.Errorf("server %s, key %s", ping.ServiceStatus, ping.KeyStatus)
			logger.CtxInfo(ctx, "Wake-up ping %d/%d: server %s, key %s", attempt, u.cfg.WakeAttempts, ping.ServiceStatus, ping.KeyStatus)
		}
		if attempt == u.cfg.WakeAttempts {
			break
		}
		if err := u.sleep(ctx, u.cfg.WakeInterval); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("server not ready after %d attempts: %w", u.cfg.WakeAttempts, lastErr)
}

// RunBatch uploads every pending inbox file under the instance lock.
// Uploaded files move to processed; failed files go back to the inbox for
// the next run.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - *Report: per-file outcomes; nil when the inbox was empty.
//   - error: non-nil if the lock is held elsewhere or the server never woke.
func (u *Uploader) RunBatch(ctx context.Context) (*Report, error) {
	ctx = logger.SetComponent(ctx, "uploader")
	lock := NewInstanceLock(filepath.Join(u.folders.Base, "uploader.lock"), u.cfg.Hostname, u.cfg.LockStaleAfter)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.CtxWarn(ctx, "Failed to release instance lock: %v", err)
		}
	}()

	files, err := u.folders.Pending()
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	if len(files) == 0 {
		logger.CtxDebug(ctx, "No files in inbox %s", u.folders.Inbox)
		return nil, nil
	}

	report := &Report{Host: u.cfg.Hostname, StartedAt: u.now().UTC()}
	logger.With(logger.Fields{logger.FieldCount: len(files)}).Info(ctx, "Found files in inbox")

	if _, err := u.WakeUp(ctx); err != nil {
		report.Error = "server unavailable: " + err.Error()
		report.Failed = len(files)
		for _, f := range files {
			report.Files = append(report.Files, FileResult{Name: filepath.Base(f), Status: FileFailed, Error: "server unavailable"})
		}
		u.finish(ctx, report)
		return report, err
	}

	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		res := u.uploadOne(ctx, path)
		switch res.Status {
		case FileSuccess, FileDuplicate:
			report.Successful++
		case FileSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
		report.Files = append(report.Files, res)
	}
	u.finish(ctx, report)
	return report, ctx.Err()
}

func (u *Uploader) uploadOne(ctx context.Context, path string) FileResult {
	name := filepath.Base(path)
	res := FileResult{Name: name}

	claimed, err := Claim(path)
	if err != nil {
		logger.CtxWarn(ctx, "Skipping %s: %v", name, err)
		res.Status = FileSkipped
		res.Error = err.Error()
		return res
	}

	start := time.Now()
	var up *UploadResult
	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		up, err = u.client.Upload(ctx, claimed, name)
		if err == nil || errors.Is(err, ErrUnauthorized) || ctx.Err() != nil {
			break
		}
		if attempt < u.cfg.MaxAttempts {
			backoff := u.cfg.RetryBase << (attempt - 1)
			logger.CtxWarn(ctx, "Upload of %s failed (attempt %d/%d), retrying in %s: %v", name, attempt, u.cfg.MaxAttempts, backoff, err)
			if sleepErr := u.sleep(ctx, backoff); sleepErr != nil {
				break
			}
		}
	}

	if err != nil {
		res.Status = FileFailed
		res.Error = err.Error()
		if _, unErr := Unclaim(claimed); unErr != nil {
			logger.CtxError(ctx, "Failed to unclaim %s: %v", name, unErr)
		}
		logger.With(logger.Fields{logger.FieldStatus: FileFailed}).WithDuration(start).
			Error(ctx, "Upload of %s failed: %v", name, err)
		return res
	}

	res.Status = FileSuccess
	res.UploadID = up.ID
	if up.Duplicate {
		res.Status = FileDuplicate
		res.ExistingID = up.ExistingID
	}
	dest, err := u.folders.MoveToProcessed(claimed)
	if err != nil {
		// Uploaded but still claimed; left for an operator.
		logger.CtxError(ctx, "Uploaded %s but could not move it: %v", name, err)
		res.Error = err.Error()
	}
	res.MovedTo = dest
	logger.With(logger.Fields{
		logger.FieldUploadID: up.ID,
		logger.FieldStatus:   res.Status,
	}).WithDuration(start).Info(ctx, "Uploaded %s", name)
	return res
}

// finish stamps and writes the report to the logs folder.
func (u *Uploader) finish(ctx context.Context, report *Report) {
	report.FinishedAt = u.now().UTC()
	path := filepath.Join(u.folders.Logs, "upload-report-"+report.StartedAt.Local().Format("20060102-150405")+".json")
	path = uniquePath(filepath.Dir(path), filepath.Base(path))

	data, err := json.MarshalIndent(report, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to write upload report: %v", err)
		return
	}
	report.Path = path
	logger.With(logger.Fields{
		"successful": report.Successful,
		"failed":     report.Failed,
		"skipped":    report.Skipped,
	}).Info(ctx, "Upload run complete, report %s", path)
}

// Watch runs a batch at start, whenever a file lands in the inbox, and every
// interval so failed files are retried. It returns when ctx is done.
func (u *Uploader) Watch(ctx context.Context, interval, settle time.Duration) error {
	ctx = logger.SetComponent(ctx, "uploader")
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(u.folders.Inbox); err != nil {
		return fmt.Errorf("watch %s: %w", u.folders.Inbox, err)
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}

	// Unclaiming a failed file shows up as a create; those wait for the
	// ticker instead of looping straight back.
	unclaimed := map[string]bool{}
	run := func() {
		report, err := u.RunBatch(ctx)
		if err != nil && ctx.Err() == nil {
			logger.CtxError(ctx, "Upload run failed: %v", err)
		}
		if report == nil {
			return
		}
		for _, f := range report.Files {
			if f.Status == FileFailed {
				unclaimed[f.Name] = true
			}
		}
	}
	run()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	// Writers often create then fill a file; wait for the inbox to settle.
	debounce := time.NewTimer(settle)
	debounce.Stop()
	defer debounce.Stop()

	logger.CtxInfo(ctx, "Watching %s", u.folders.Inbox)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Claims and unclaims are renames by this process; only new or
			// rewritten files start a run.
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if !eligible(name) {
				continue
			}
			if ev.Has(fsnotify.Create) && unclaimed[name] {
				delete(unclaimed, name)
				continue
			}
			debounce.Reset(settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.CtxWarn(ctx, "Watcher error: %v", err)
		case <-debounce.C:
			run()
		case <-tick:
			run()
		}
	}
}
