package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/namespace"
	"gorm.io/gorm"
)

// PartitionManager maintains the quarterly range partitions of the decoded
// record table. On drivers without declarative partitioning every method is a
// no-op and rows live in one plain table.
type PartitionManager struct {
	db      *gorm.DB
	table   string
	enabled bool

	mu       sync.Mutex
	known    map[string]bool
	// Quarters whose partition cannot be created until Rehome moves their
	// rows out of the default partition.
	stranded map[string]bool
}

// NewPartitionManager creates a PartitionManager for the namespaced decoded
// record table.
func NewPartitionManager(db *gorm.DB, ns *namespace.Namespace) *PartitionManager {
	return &PartitionManager{
		db:       db,
		table:    ns.Table("decoded_records"),
		enabled:  isPostgres(db),
		known:    make(map[string]bool),
		stranded: make(map[string]bool),
	}
}

// Enabled reports whether the backing database partitions the table.
func (m *PartitionManager) Enabled() bool {
	return m.enabled
}

// QuarterName returns the partition holding t, e.g. decoded_records_2025_q3.
func QuarterName(table string, t time.Time) string {
	return fmt.Sprintf("%s_%04d_q%d", table, t.Year(), quarterOf(t))
}

// QuarterBounds returns the half-open [start, end) range of t's quarter.
func QuarterBounds(t time.Time) (time.Time, time.Time) {
	firstMonth := time.Month((quarterOf(t)-1)*3 + 1)
	start := time.Date(t.Year(), firstMonth, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 3, 0)
}

func quarterOf(t time.Time) int {
	return (int(t.Month())-1)/3 + 1
}

// EnsureParent creates the partitioned parent table, its indexes and the
// default partition that catches dates outside every quarter.
func (m *PartitionManager) EnsureParent(ctx context.Context) error {
	if !m.enabled {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL NOT NULL,
	upload_id VARCHAR(36) NOT NULL,
	filename VARCHAR(512),
	record_type VARCHAR(4) NOT NULL,
	line_number BIGINT NOT NULL,
	raw_line TEXT NOT NULL,
	extracted_fields JSONB,
	repair_flags JSONB,
	raw_line_hash VARCHAR(64) NOT NULL,
	merchant_account_number VARCHAR(32),
	terminal_id VARCHAR(16),
	processing_date DATE NOT NULL,
	layout_version VARCHAR(16),
	parsed_at TIMESTAMPTZ,
	PRIMARY KEY (id, processing_date),
	UNIQUE (upload_id, line_number, processing_date)
) PARTITION BY RANGE (processing_date)`, m.table),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s_default PARTITION OF %s DEFAULT", m.table, m.table),
	}
	for _, col := range []string{"merchant_account_number", "terminal_id", "processing_date", "record_type", "raw_line_hash"} {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", m.table, col, m.table, col))
	}

	db := m.db.WithContext(ctx)
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create partitioned table %s: %w", m.table, err)
		}
	}
	return nil
}

// EnsureQuarter creates the partition for t's quarter if it is missing.
// The sentinel unknown date always stays in the default partition.
func (m *PartitionManager) EnsureQuarter(ctx context.Context, t time.Time) error {
	if !m.enabled || t.Equal(domain.UnknownBusinessDate) {
		return nil
	}
	name := QuarterName(m.table, t)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known[name] {
		return nil
	}
	if m.stranded[name] {
		return fmt.Errorf("%w: %s", ErrPartitionStranded, name)
	}

	start, end := QuarterBounds(t)
	if err := m.db.WithContext(ctx).Exec(m.createQuarterSQL(name, start, end)).Error; err != nil {
		// PostgreSQL refuses a new partition while the default one holds
		// rows in its range.
		if n, cerr := m.countDefault(m.db.WithContext(ctx), start, end); cerr == nil && n > 0 {
			m.stranded[name] = true
			logger.CtxWarn(ctx, "Partition %s cannot be created: %d row(s) for it are in %s_default; run tddfctl partitions repair", name, n, m.table)
			return fmt.Errorf("%w: %s has %d row(s) in %s_default", ErrPartitionStranded, name, n, m.table)
		}
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}
	m.known[name] = true
	logger.CtxDebug(ctx, "Partition %s ready", name)
	return nil
}

// ErrPartitionStranded reports a quarter whose rows landed in the default
// partition before its own partition existed. Rehome repairs it.
var ErrPartitionStranded = errors.New("quarter rows stranded in default partition")

func (m *PartitionManager) createQuarterSQL(name string, start, end time.Time) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		name, m.table, start.Format("2006-01-02"), end.Format("2006-01-02"))
}

func (m *PartitionManager) countDefault(db *gorm.DB, start, end time.Time) (int64, error) {
	var n int64
	err := db.Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s_default WHERE processing_date >= ? AND processing_date < ?", m.table),
		start, end).Scan(&n).Error
	return n, err
}

// StrandedQuarter is a quarter with rows in the default partition.
type StrandedQuarter struct {
	Partition string    `json:"partition"`
	Start     time.Time `json:"start"`
	Rows      int64     `json:"rows"`
}

// Stranded lists quarters whose rows sit in the default partition. Rows with
// the unknown business date belong there and are not reported.
func (m *PartitionManager) Stranded(ctx context.Context) ([]StrandedQuarter, error) {
	if !m.enabled {
		return nil, nil
	}
	var rows []struct {
		Start time.Time
		Rows  int64
	}
	err := m.db.WithContext(ctx).Raw(fmt.Sprintf(`SELECT date_trunc('quarter', processing_date)::date AS start, COUNT(*) AS rows
FROM %s_default
WHERE processing_date <> ?
GROUP BY 1
ORDER BY 1`, m.table), domain.UnknownBusinessDate).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s_default: %w", m.table, err)
	}
	out := make([]StrandedQuarter, len(rows))
	for i, r := range rows {
		out[i] = StrandedQuarter{Partition: QuarterName(m.table, r.Start), Start: r.Start.UTC(), Rows: r.Rows}
	}
	return out, nil
}

// Rehome creates t's quarter partition and moves that quarter's rows out of
// the default partition, all in one transaction. Detaching the default
// partition locks the record table, so inserts wait until it commits.
// Returns the number of rows moved.
func (m *PartitionManager) Rehome(ctx context.Context, t time.Time) (int64, error) {
	if !m.enabled {
		return 0, nil
	}
	if t.Equal(domain.UnknownBusinessDate) {
		return 0, fmt.Errorf("the unknown business date always stays in %s_default", m.table)
	}
	name := QuarterName(m.table, t)
	start, end := QuarterBounds(t)
	def := m.table + "_default"

	m.mu.Lock()
	defer m.mu.Unlock()

	var moved int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stmts := []string{
			fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", m.table, def),
			m.createQuarterSQL(name, start, end),
		}
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		res := tx.Exec(fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE processing_date >= ? AND processing_date < ?", m.table, def), start, end)
		if res.Error != nil {
			return res.Error
		}
		moved = res.RowsAffected
		if err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE processing_date >= ? AND processing_date < ?", def), start, end).Error; err != nil {
			return err
		}
		return tx.Exec(fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s DEFAULT", m.table, def)).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to rehome %s: %w", name, err)
	}
	m.known[name] = true
	delete(m.stranded, name)
	logger.With(logger.Fields{"partition": name, "rows": moved}).Info(ctx, "Rows moved out of the default partition")
	return moved, nil
}

// EnsureRange creates one partition per quarter touching [from, to].
func (m *PartitionManager) EnsureRange(ctx context.Context, from, to time.Time) error {
	if !m.enabled {
		return nil
	}
	start, _ := QuarterBounds(from)
	for q := start; !q.After(to); q = q.AddDate(0, 3, 0) {
		err := m.EnsureQuarter(ctx, q)
		if errors.Is(err, ErrPartitionStranded) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// ListPartitions returns the names of the attached partitions, sorted.
func (m *PartitionManager) ListPartitions(ctx context.Context) ([]string, error) {
	if !m.enabled {
		return nil, nil
	}
	var names []string
	err := m.db.WithContext(ctx).Raw(`SELECT c.relname
FROM pg_inherits i
JOIN pg_class c ON c.oid = i.inhrelid
JOIN pg_class p ON p.oid = i.inhparent
WHERE p.relname = ?
ORDER BY c.relname`, m.table).Scan(&names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", m.table, err)
	}
	return names, nil
}
