// Package directory offers the files of a local folder for import.
package directory

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/tddf/internal/source"
)

const SourceID = "directory"

// Adapter implements the Source interface for a local directory.
type Adapter struct {
	root         string
	extensions   map[string]bool
	recursive    bool
	declaredType string
	items        []source.FileItem // Cached items
	loaded       bool
}

// Options narrow which files a directory adapter offers.
type Options struct {
	// Lower-case extensions including the dot; empty accepts every file.
	Extensions   []string
	Recursive    bool
	DeclaredType string
}

// NewAdapter creates a new directory adapter
func NewAdapter(root string, opts Options) *Adapter {
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Adapter{
		root:         root,
		extensions:   exts,
		recursive:    opts.Recursive,
		declaredType: opts.DeclaredType,
	}
}

// GetSourceID returns the unique identifier for this source
func (a *Adapter) GetSourceID() string {
	return SourceID + ":" + a.root
}

// GetDisplayName returns a human-readable name for this source
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Directory (%s)", a.root)
}

// FetchBatch fetches a batch of files in name order
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.FileItem, string, error) {
	// Load all items on first call
	if !a.loaded {
		if err := a.loadItems(); err != nil {
			return nil, "", fmt.Errorf("failed to list %s: %w", a.root, err)
		}
		a.loaded = true
	}

	startIndex := 0
	if cursor != "" {
		var err error
		startIndex, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
	}

	batch, next := source.Page(a.items, startIndex, limit)
	nextCursor := ""
	if next >= 0 {
		nextCursor = strconv.Itoa(next)
	}
	return batch, nextCursor, nil
}

func (a *Adapter) loadItems() error {
	a.items = []source.FileItem{}
	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != a.root && (!a.recursive || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !a.accepts(name) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(a.root, path)
		if err != nil {
			rel = name
		}
		a.items = append(a.items, source.FileItem{
			SourceID:     filepath.ToSlash(rel),
			Name:         name,
			LocalPath:    path,
			Size:         info.Size(),
			DeclaredType: a.declaredType,
		})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

// accepts skips hidden files, partial transfers and unlisted extensions.
func (a *Adapter) accepts(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	lower := strings.ToLower(name)
	for _, partial := range []string{".uploading", ".part", ".tmp"} {
		if strings.HasSuffix(lower, partial) {
			return false
		}
	}
	if len(a.extensions) == 0 {
		return true
	}
	return a.extensions[filepath.Ext(lower)]
}
