package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/decoder"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/fieldspec"
	"github.com/timmy/tddf/internal/metrics"
	"github.com/timmy/tddf/internal/namespace"
	"github.com/timmy/tddf/internal/repository"
	"github.com/timmy/tddf/internal/storage"
)

type testEnv struct {
	store     *repository.Store
	objects   *flakyStorage
	metrics   *metrics.Metrics
	pipeline  *Pipeline
	processor *BatchProcessor
	lifecycle *LifecycleManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbCfg := &config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8]),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
		LogLevel:     "silent",
	}
	ns := namespace.New("test")
	db, err := repository.InitDB(dbCfg, ns)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	store := repository.NewStore(db, ns)
	objects := &flakyStorage{MemoryStorage: storage.NewMemoryStorage(), failDelete: map[string]bool{}}
	m := metrics.New(prometheus.NewRegistry())
	registry := fieldspec.Default()

	lifecycle, err := NewLifecycleManager(store, objects, m, LifecycleConfig{GracePeriod: time.Hour, BatchSize: 2})
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	return &testEnv{
		store:   store,
		objects: objects,
		metrics: m,
		pipeline: NewPipeline(store, objects, registry, m, PipelineConfig{
			MaxRetries:           3,
			RetryBackoff:         time.Second,
			StaleAfter:           time.Hour,
			RejectDuplicateFiles: true,
			LoadChunkSize:        2,
			HardDeleteAfter:      24 * time.Hour,
		}),
		processor: NewBatchProcessor(store, decoder.New(registry), m, ProcessorConfig{BatchSize: 2}),
		lifecycle: lifecycle,
	}
}

// flakyStorage fails deletes of selected keys.
type flakyStorage struct {
	*storage.MemoryStorage
	mu         sync.Mutex
	failDelete map[string]bool
}

func (s *flakyStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	fail := s.failDelete[key]
	s.mu.Unlock()
	if fail {
		return errors.New("simulated delete failure")
	}
	return s.MemoryStorage.Delete(ctx, key)
}

func (s *flakyStorage) setFailDelete(key string, fail bool) {
	s.mu.Lock()
	s.failDelete[key] = fail
	s.mu.Unlock()
}

func (e *testEnv) put(t *testing.T, key, body string) {
	t.Helper()
	if err := e.objects.Upload(context.Background(), key, strings.NewReader(body), int64(len(body)), contentTypeText); err != nil {
		t.Fatalf("Upload %s: %v", key, err)
	}
}

// tddfLine builds a 271-byte line of recordType with the given 1-indexed
// positions filled in.
func tddfLine(recordType string, fields map[int]string) string {
	buf := []byte(strings.Repeat(" ", 271))
	put := func(start int, v string) { copy(buf[start-1:], v) }
	put(1, "0000001")
	put(18, recordType)
	put(24, "0675900000002881")
	for start, v := range fields {
		put(start, v)
	}
	return string(buf)
}

func dtLine(amount string) string {
	return tddfLine("DT", map[int]string{85: "01152025", 93: amount, 249: "T0001234"})
}

func bhLine() string {
	return tddfLine("BH", map[int]string{56: "01152025"})
}

func fileOf(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func mustUpload(t *testing.T, e *testEnv, filename, body string) *domain.UploadJob {
	t.Helper()
	job, err := e.pipeline.SingleShot(context.Background(), StartRequest{
		Filename:     filename,
		FileSize:     int64(len(body)),
		DeclaredType: "tddf",
		UploadedBy:   "tester",
	}, strings.NewReader(body))
	if err != nil {
		t.Fatalf("SingleShot: %v", err)
	}
	return job
}

func mustAdvance(t *testing.T, e *testEnv, id string, want domain.Phase) *domain.UploadJob {
	t.Helper()
	job, err := e.pipeline.AdvanceUpload(context.Background(), id)
	if err != nil {
		t.Fatalf("AdvanceUpload: %v", err)
	}
	if job.Phase != want {
		t.Fatalf("phase = %s, want %s", job.Phase, want)
	}
	return job
}
