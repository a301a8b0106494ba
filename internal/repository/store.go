package repository

import (
	"context"

	"github.com/timmy/tddf/internal/namespace"
	"gorm.io/gorm"
)

// Store groups the repositories of one namespace over one handle.
type Store struct {
	db *gorm.DB
	ns *namespace.Namespace

	Uploads    *UploadRepository
	Lines      *RawLineRepository
	Records    *RecordRepository
	Objects    *ObjectRepository
	PurgeTasks *PurgeTaskRepository
	Partitions *PartitionManager
}

// NewStore builds every repository over db.
func NewStore(db *gorm.DB, ns *namespace.Namespace) *Store {
	s := bind(db, ns)
	s.Partitions = NewPartitionManager(db, ns)
	return s
}

func bind(db *gorm.DB, ns *namespace.Namespace) *Store {
	return &Store{
		db:         db,
		ns:         ns,
		Uploads:    NewUploadRepository(db),
		Lines:      NewRawLineRepository(db, ns),
		Records:    NewRecordRepository(db, ns),
		Objects:    NewObjectRepository(db),
		PurgeTasks: NewPurgeTaskRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Namespace returns the table namespace.
func (s *Store) Namespace() *namespace.Namespace {
	return s.ns
}

// InTx runs fn with repositories bound to a single transaction. The partition
// manager stays on the outer handle because DDL must not share the batch
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := bind(tx, s.ns)
		txStore.Partitions = s.Partitions
		return fn(txStore)
	})
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
