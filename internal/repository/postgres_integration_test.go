package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/namespace"
)

// newPostgresStore opens a throwaway namespace on the database named by
// TEST_DATABASE_URL. These tests are opt-in.
func newPostgresStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("integration tests are disabled; set TEST_DATABASE_URL to enable")
	}
	cfg := &config.DatabaseConfig{
		Driver:       "postgres",
		URL:          url,
		MaxIdleConns: 2,
		MaxOpenConns: 8,
		AutoMigrate:  true,
		LogLevel:     "silent",
	}
	ns := namespace.New("it" + strings.ReplaceAll(uuid.NewString()[:8], "-", "") + "_")
	db, err := InitDB(cfg, ns)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DROP TABLE IF EXISTS " + ns.Table("decoded_records") + " CASCADE")
		_ = db.Migrator().DropTable(&domain.RawLine{}, &domain.PurgeTask{}, &domain.StorageObject{}, &domain.UploadJob{})
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	s := NewStore(db, ns)
	if !s.Partitions.Enabled() {
		t.Fatal("partitioning disabled on postgres")
	}
	return s
}

// partitionOf maps line numbers of uploadID to the partition holding them.
func partitionOf(t *testing.T, s *Store, uploadID string) map[int][]string {
	t.Helper()
	var rows []struct {
		LineNumber int
		Part       string
	}
	table := s.Namespace().Table("decoded_records")
	err := s.DB().Raw("SELECT line_number, tableoid::regclass::text AS part FROM "+table+" WHERE upload_id = ? ORDER BY line_number", uploadID).
		Scan(&rows).Error
	if err != nil {
		t.Fatalf("partition lookup: %v", err)
	}
	out := make(map[int][]string)
	for _, r := range rows {
		out[r.LineNumber] = append(out[r.LineNumber], r.Part)
	}
	return out
}

func TestPostgresRecordsLandInTheirQuarter(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	table := s.Namespace().Table("decoded_records")

	feb := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	aug := time.Date(2025, 8, 5, 0, 0, 0, 0, time.UTC)
	for _, d := range []time.Time{feb, aug, domain.UnknownBusinessDate} {
		if err := s.Partitions.EnsureQuarter(ctx, d); err != nil {
			t.Fatalf("EnsureQuarter(%s): %v", d.Format("2006-01-02"), err)
		}
	}

	batch := []domain.DecodedRecord{
		decodedRecord("u1", 1, feb, "h1"),
		decodedRecord("u1", 2, aug, "h2"),
		decodedRecord("u1", 3, domain.UnknownBusinessDate, "h3"),
	}
	if n, err := s.Records.InsertBatch(ctx, batch); err != nil || n != 3 {
		t.Fatalf("InsertBatch = %d, %v", n, err)
	}
	again := []domain.DecodedRecord{
		decodedRecord("u1", 1, feb, "h1"),
		decodedRecord("u1", 2, aug, "h2"),
		decodedRecord("u1", 3, domain.UnknownBusinessDate, "h3"),
	}
	if n, err := s.Records.InsertBatch(ctx, again); err != nil || n != 0 {
		t.Fatalf("re-insert = %d, %v", n, err)
	}

	got := partitionOf(t, s, "u1")
	want := map[int]string{
		1: QuarterName(table, feb),
		2: QuarterName(table, aug),
		3: table + "_default",
	}
	for line, part := range want {
		if len(got[line]) != 1 || got[line][0] != part {
			t.Errorf("line %d in %v, want exactly %s", line, got[line], part)
		}
	}

	from, to := QuarterBounds(feb)
	q1, err := s.Records.ListByDateRange(ctx, from, to, RecordFilter{})
	if err != nil {
		t.Fatalf("ListByDateRange: %v", err)
	}
	if len(q1) != 1 || q1[0].LineNumber != 1 {
		t.Errorf("Q1 records = %+v", q1)
	}

	stranded, err := s.Partitions.Stranded(ctx)
	if err != nil {
		t.Fatalf("Stranded: %v", err)
	}
	if len(stranded) != 0 {
		t.Errorf("unknown-date rows reported as stranded: %+v", stranded)
	}
}

func TestPostgresRehomeStrandedQuarter(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	table := s.Namespace().Table("decoded_records")
	may := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	// No partition yet, so the row falls into the default one.
	if _, err := s.Records.InsertBatch(ctx, []domain.DecodedRecord{decodedRecord("u1", 1, may, "h1")}); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if err := s.Partitions.EnsureQuarter(ctx, may); !errors.Is(err, ErrPartitionStranded) {
		t.Fatalf("EnsureQuarter err = %v, want ErrPartitionStranded", err)
	}

	stranded, err := s.Partitions.Stranded(ctx)
	if err != nil {
		t.Fatalf("Stranded: %v", err)
	}
	if len(stranded) != 1 || stranded[0].Partition != QuarterName(table, may) || stranded[0].Rows != 1 {
		t.Fatalf("stranded = %+v", stranded)
	}

	moved, err := s.Partitions.Rehome(ctx, stranded[0].Start)
	if err != nil || moved != 1 {
		t.Fatalf("Rehome = %d, %v", moved, err)
	}
	if got := partitionOf(t, s, "u1"); len(got[1]) != 1 || got[1][0] != QuarterName(table, may) {
		t.Errorf("line 1 in %v after rehome", got[1])
	}
	if err := s.Partitions.EnsureQuarter(ctx, may); err != nil {
		t.Errorf("EnsureQuarter after rehome: %v", err)
	}
	if left, _ := s.Partitions.Stranded(ctx); len(left) != 0 {
		t.Errorf("still stranded: %+v", left)
	}
}

func TestPostgresCopyAndConcurrentClaim(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	job := createUpload(t, s, domain.PhaseEncoding)

	const total = 12
	types := make([]string, total)
	for i := range types {
		types[i] = "DT"
	}
	loadLines(t, s, job.ID, types...)
	counts, err := s.Lines.CountByStatus(ctx, job.ID)
	if err != nil || counts.Pending != total {
		t.Fatalf("after COPY counts = %+v, %v", counts, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, lines, err := s.Lines.Claim(ctx, ClaimOptions{Limit: 3, Lease: time.Minute})
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			mu.Lock()
			for _, l := range lines {
				claimed[l.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Whatever the workers skipped is still claimable exactly once.
	_, rest, err := s.Lines.Claim(ctx, ClaimOptions{Limit: total, Lease: time.Minute})
	if err != nil {
		t.Fatalf("Claim rest: %v", err)
	}
	for _, l := range rest {
		claimed[l.ID]++
	}
	if len(claimed) != total {
		t.Errorf("claimed %d distinct lines, want %d", len(claimed), total)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("line %d claimed %d times", id, n)
		}
	}
}
