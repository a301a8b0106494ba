package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps objects in process memory. It backs local runs and
// tests; contents are lost on exit.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	data     []byte
	modified time.Time
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memoryObject), now: time.Now}
}

// EnsureBucket is a no-op.
func (s *MemoryStorage) EnsureBucket(ctx context.Context) error {
	return nil
}

// Upload reads reader fully and stores it under key.
func (s *MemoryStorage) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("failed to upload object %s: read %d bytes, expected %d", key, len(data), size)
	}
	s.mu.Lock()
	s.objects[key] = memoryObject{data: data, modified: s.now()}
	s.mu.Unlock()
	return nil
}

// Download returns a reader over a copy of the stored bytes.
func (s *MemoryStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("failed to download object %s: not found", key)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

// Delete removes key.
func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether key is stored.
func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// List returns objects under prefix ordered by key.
func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
