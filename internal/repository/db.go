package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/domain"
	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/namespace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// InitDB initializes the database connection based on configuration and runs migrations.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
//   - ns: table namespace applied to every model and raw statement.
//
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig, ns *namespace.Namespace) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger:         NewGormLogger(cfg.LogLevel),
		NamingStrategy: ns.NamingStrategy(),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}

	var db *gorm.DB
	var err error

	log := logger.With(logger.Fields{
		logger.FieldComponent: "db",
		"driver":              cfg.Driver,
		"table_prefix":        ns.Prefix(),
	})
	ctx := context.Background()
	log.Info(ctx, "Initializing database")

	switch cfg.Driver {
	case "postgres":
		db, err = initPostgres(cfg, gormConfig)
	case "sqlite", "":
		db, err = initSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db, ns); err != nil {
			return nil, err
		}
		log.Info(ctx, "Schema migrated")
	} else {
		log.Info(ctx, "AutoMigrate disabled")
	}

	return db, nil
}

// Migrate creates or updates every table and index in the namespace.
// On PostgreSQL the decoded record table is range partitioned and is created
// by the partition manager instead of AutoMigrate.
func Migrate(ctx context.Context, db *gorm.DB, ns *namespace.Namespace) error {
	db = db.WithContext(ctx)
	models := []interface{}{
		&domain.UploadJob{},
		&domain.RawLine{},
		&domain.StorageObject{},
		&domain.PurgeTask{},
	}
	partitioned := isPostgres(db)
	if !partitioned {
		models = append(models, &domain.DecodedRecord{})
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if partitioned {
		if err := NewPartitionManager(db, ns).EnsureParent(ctx); err != nil {
			return err
		}
	}

	for _, stmt := range indexStatements(ns, partitioned) {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// indexStatements returns the composite and unique indexes gorm tags cannot
// name per namespace.
func indexStatements(ns *namespace.Namespace, partitioned bool) []string {
	lines := ns.Table("raw_lines")
	records := ns.Table("decoded_records")

	stmts := []string{
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (source_file_id, line_number)",
			ns.Index("raw_lines_file_line"), lines),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (processing_status, record_type)",
			ns.Index("raw_lines_status_type"), lines),
	}
	if !partitioned {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (upload_id, line_number, processing_date)",
			ns.Index("decoded_records_key"), records))
	}
	return stmts
}

// initPostgres initializes a PostgreSQL database connection using the unified DSN
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	// PreferSimpleProtocol keeps transaction poolers working
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

// initSQLite initializes a SQLite database connection
func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		return nil, fmt.Errorf("sqlite database path is empty")
	}
	inMemory := strings.HasPrefix(dsn, "file:") || dsn == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	if !inMemory {
		db.Exec("PRAGMA journal_mode=WAL")
	}
	db.Exec("PRAGMA foreign_keys=ON")

	return db, nil
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}
