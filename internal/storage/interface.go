package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored blob.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage defines the interface for object storage operations
type ObjectStorage interface {
	// EnsureBucket creates the bucket if the backend allows it
	EnsureBucket(ctx context.Context) error

	// Upload stores an object; size -1 means unknown length
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for streaming reads
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object; deleting a missing object is not an error
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix, ordered by key
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
