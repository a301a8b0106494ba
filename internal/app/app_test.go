package app

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/service"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Environment: env,
		Database: config.DatabaseConfig{
			Driver:       "sqlite",
			Path:         fmt.Sprintf("file:app_%s?mode=memory&cache=shared", uuid.NewString()[:8]),
			MaxIdleConns: 1,
			MaxOpenConns: 1,
			AutoMigrate:  true,
			LogLevel:     "silent",
		},
		Storage:   config.StorageConfig{Type: "memory", Bucket: "tddf"},
		Processor: config.ProcessorConfig{BatchSize: 10, LeaseDuration: time.Minute, LoadChunkSize: 10},
		Pipeline:  config.PipelineConfig{MaxRetries: 3, RetryBackoff: time.Second, IdentifySampleLines: 5},
		Lifecycle: config.LifecycleConfig{GracePeriod: time.Hour, PurgeBatchSize: 10},
	}
}

func TestNewScopesObjectKeysByEnvironment(t *testing.T) {
	testCases := []struct {
		name       string
		env        string
		keyPrefix  string
		wantPrefix string
	}{
		{name: "production", env: "production", wantPrefix: "uploads"},
		{name: "dev", env: "dev", wantPrefix: "dev/uploads"},
		{name: "explicit prefix wins", env: "dev", keyPrefix: "shared", wantPrefix: "shared"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(tc.env)
			cfg.Pipeline.KeyPrefix = tc.keyPrefix

			a, err := New(ctx, cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer a.Close()

			if a.Config.Pipeline.KeyPrefix != tc.wantPrefix {
				t.Errorf("key prefix = %q, want %q", a.Config.Pipeline.KeyPrefix, tc.wantPrefix)
			}
			if a.Config.Lifecycle.ScanPrefix != tc.wantPrefix+"/" {
				t.Errorf("scan prefix = %q, want %q", a.Config.Lifecycle.ScanPrefix, tc.wantPrefix+"/")
			}

			job, err := a.Pipeline.SingleShot(ctx, service.StartRequest{Filename: "a.txt"}, strings.NewReader("x\n"))
			if err != nil {
				t.Fatalf("SingleShot: %v", err)
			}
			if !strings.HasPrefix(job.StorageKey, tc.wantPrefix+"/"+job.ID+"/") {
				t.Errorf("storage key = %q", job.StorageKey)
			}

			// The scan sees only this environment's blobs as its own.
			report, err := a.Lifecycle.Scan(ctx, a.Config.Lifecycle.ScanPrefix)
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if report.Scanned != 1 || report.Referenced != 1 || report.Orphaned != 0 {
				t.Errorf("scan report = %+v", report)
			}
		})
	}
}
