package uploader

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeServer imitates the intake API closely enough for the client.
type fakeServer struct {
	mu        sync.Mutex
	keyStatus string
	failNames map[string]bool
	seen      map[string]string // content -> upload id
	uploads   map[string]int    // name -> attempts
	chunks    map[int]int       // index -> size
	total     int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		keyStatus: "valid",
		failNames: map[string]bool{},
		seen:      map[string]string{},
		uploads:   map[string]int{},
		chunks:    map[int]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uploader/ping", fs.ping)
	mux.HandleFunc("/api/uploader/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"pending": 1, "processing": 2, "completed": 3, "failed": 4})
	})
	mux.HandleFunc("/api/uploader/upload", fs.single)
	mux.HandleFunc("/api/uploader/start", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChunkCount int `json:"chunk_count"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		fs.mu.Lock()
		fs.total = req.ChunkCount
		fs.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"id": "chunked-1", "phase": "started"})
	})
	mux.HandleFunc("/api/uploader/chunked-1/upload-chunk", fs.chunk)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fs, srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fs *fakeServer) ping(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	status := "not_provided"
	if r.Header.Get("X-API-Key") != "" {
		status = fs.keyStatus
	}
	writeJSON(w, http.StatusOK, map[string]string{"serviceStatus": "running", "keyStatus": status, "keyUser": "alice"})
}

func (fs *fakeServer) single(w http.ResponseWriter, r *http.Request) {
	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	body, _ := io.ReadAll(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.uploads[header.Filename]++
	if fs.failNames[header.Filename] {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "storage down"})
		return
	}
	if id, ok := fs.seen[string(body)]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "duplicate", "existing_id": id})
		return
	}
	id := "id-" + header.Filename
	fs.seen[string(body)] = id
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "phase": "uploaded"})
}

func (fs *fakeServer) chunk(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(r.FormValue("chunk_index"))
	f, _, err := r.FormFile("chunk")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	body, _ := io.ReadAll(f)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.chunks[index] = len(body)
	complete := len(fs.chunks) == fs.total
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"upload":          map[string]string{"id": "chunked-1", "phase": "uploaded"},
		"chunks_received": len(fs.chunks),
		"chunks_total":    fs.total,
		"complete":        complete,
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestUploader(t *testing.T, srv *httptest.Server, chunkSize int64) *Uploader {
	t.Helper()
	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", ChunkSize: chunkSize, Timeout: 5 * time.Second})
	u, err := New(client, Config{Folder: t.TempDir(), WakeAttempts: 2, Hostname: "test-host"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u.sleep = func(context.Context, time.Duration) error { return nil }
	return u
}

func TestClientPingAndStatus(t *testing.T) {
	_, srv := newFakeServer(t)
	ctx := context.Background()

	anon := NewClient(ClientConfig{BaseURL: srv.URL + "/"})
	ping, err := anon.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if ping.Ready() || ping.KeyStatus != "not_provided" {
		t.Errorf("anonymous ping = %+v", ping)
	}

	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k"})
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Pending != 1 || status.Failed != 4 {
		t.Errorf("status = %+v", status)
	}
}

func TestClientChunkedUpload(t *testing.T) {
	fs, srv := newFakeServer(t)
	client := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "k", ChunkSize: 4})
	path := filepath.Join(t.TempDir(), "big.txt")
	writeFile(t, path, "0123456789")

	res, err := client.Upload(context.Background(), path, "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if res.ID != "chunked-1" || res.Chunks != 3 {
		t.Errorf("result = %+v", res)
	}
	want := map[int]int{0: 4, 1: 4, 2: 2}
	for i, n := range want {
		if fs.chunks[i] != n {
			t.Errorf("chunk %d size = %d, want %d", i, fs.chunks[i], n)
		}
	}
}

func TestRunBatch(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failNames["bad.txt"] = true
	u := newTestUploader(t, srv, 0)
	f := u.Folders()

	writeFile(t, filepath.Join(f.Inbox, "a.txt"), "alpha")
	writeFile(t, filepath.Join(f.Inbox, "copy.txt"), "alpha")
	writeFile(t, filepath.Join(f.Inbox, "bad.txt"), "beta")
	writeFile(t, filepath.Join(f.Inbox, ".hidden"), "x")
	writeFile(t, filepath.Join(f.Inbox, "busy.txt"+ClaimSuffix), "x")
	writeFile(t, filepath.Join(f.Processed, "a.txt"), "older")

	report, err := u.RunBatch(context.Background())
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if report.Successful != 2 || report.Failed != 1 || report.Skipped != 0 {
		t.Errorf("report = %+v", report)
	}

	byName := map[string]FileResult{}
	for _, r := range report.Files {
		byName[r.Name] = r
	}
	tests := []struct {
		name     string
		status   string
		attempts int
	}{
		{"a.txt", FileSuccess, 1},
		{"copy.txt", FileDuplicate, 1},
		{"bad.txt", FileFailed, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := byName[tt.name]
			if got.Status != tt.status || got.Attempts != tt.attempts {
				t.Errorf("result = %+v", got)
			}
		})
	}
	if byName["copy.txt"].ExistingID != "id-a.txt" {
		t.Errorf("duplicate existing id = %q", byName["copy.txt"].ExistingID)
	}

	// Failed files return to the inbox; the hidden and claimed ones were never touched.
	inbox, _ := os.ReadDir(f.Inbox)
	var left []string
	for _, e := range inbox {
		left = append(left, e.Name())
	}
	sort.Strings(left)
	wantLeft := []string{".hidden", "bad.txt", "busy.txt.uploading"}
	if len(left) != len(wantLeft) {
		t.Fatalf("inbox = %v, want %v", left, wantLeft)
	}
	for i := range left {
		if left[i] != wantLeft[i] {
			t.Errorf("inbox = %v, want %v", left, wantLeft)
		}
	}

	for _, name := range []string{"a.txt", "a (1).txt", "copy.txt"} {
		if _, err := os.Stat(filepath.Join(f.Processed, name)); err != nil {
			t.Errorf("processed/%s: %v", name, err)
		}
	}

	data, err := os.ReadFile(report.Path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var saved Report
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if saved.Successful != 2 || len(saved.Files) != 3 {
		t.Errorf("saved report = %+v", saved)
	}
	if _, err := os.Stat(filepath.Join(f.Base, "uploader.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestRunBatchEmptyInbox(t *testing.T) {
	_, srv := newFakeServer(t)
	u := newTestUploader(t, srv, 0)
	report, err := u.RunBatch(context.Background())
	if err != nil || report != nil {
		t.Errorf("RunBatch = %+v, %v", report, err)
	}
}

func TestRunBatchServerNeverReady(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.keyStatus = "invalid"
	u := newTestUploader(t, srv, 0)
	writeFile(t, filepath.Join(u.Folders().Inbox, "a.txt"), "alpha")

	report, err := u.RunBatch(context.Background())
	if err == nil {
		t.Fatal("expected wake-up failure")
	}
	if report == nil || report.Failed != 1 || report.Error == "" {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(u.Folders().Inbox, "a.txt")); err != nil {
		t.Errorf("file left the inbox: %v", err)
	}
	if fs.uploads["a.txt"] != 0 {
		t.Errorf("uploaded without a ready server")
	}
}

func TestInstanceLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploader.lock")
	first := NewInstanceLock(path, "host-a", time.Minute)
	if err := first.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	second := NewInstanceLock(path, "host-b", time.Minute)
	if err := second.Acquire(); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire: err = %v, want ErrLocked", err)
	}

	second.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := second.Acquire(); err != nil {
		t.Fatalf("stale takeover: %v", err)
	}

	// The first holder no longer owns the file and must not remove it.
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock removed by non-owner: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock still present: %v", err)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, "x")

	claimed, err := Claim(path)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := Claim(path); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second Claim: err = %v", err)
	}
	back, err := Unclaim(claimed)
	if err != nil || back != path {
		t.Errorf("Unclaim = %q, %v", back, err)
	}
}
