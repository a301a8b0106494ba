package staging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/timmy/tddf/internal/logger"
	"github.com/timmy/tddf/internal/source"
)

const (
	// ManifestFileName is the JSONL manifest file name in staging sources.
	ManifestFileName = "manifest.jsonl"
	// FilesDir is the directory name for staged files.
	FilesDir = "files"
)

// ManifestItem represents an item in the manifest.jsonl file.
type ManifestItem struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	DeclaredType string `json:"declared_type"`
	Origin       string `json:"origin"`
	ReceivedAt   string `json:"received_at"`
}

// Adapter implements the Source interface for the staging directory.
type Adapter struct {
	basePath string
	sourceID string
	items    []source.FileItem
	loaded   bool
}

// NewAdapter creates a new staging adapter.
// Parameters:
//   - basePath: base path to the staging directory.
//   - sourceID: identifier for the staging source.
//
// Returns:
//   - *Adapter: initialized staging adapter.
func NewAdapter(basePath, sourceID string) *Adapter {
	return &Adapter{
		basePath: basePath,
		sourceID: sourceID,
	}
}

// GetSourceID returns the unique identifier for this source.
// Parameters: none.
// Returns:
//   - string: source identifier with "staging:" prefix.
func (a *Adapter) GetSourceID() string {
	return "staging:" + a.sourceID
}

// GetDisplayName returns a human-readable name for this source.
// Parameters: none.
// Returns:
//   - string: display name for the staging source.
func (a *Adapter) GetDisplayName() string {
	return fmt.Sprintf("Staging (%s)", a.sourceID)
}

// FetchBatch fetches a batch of files listed in the manifest.
// Parameters:
//   - ctx: context for cancellation and deadlines (unused for local reads).
//   - cursor: pagination cursor as an index string.
//   - limit: maximum number of items to fetch.
//
// Returns:
//   - []source.FileItem: batch of files.
//   - string: next cursor or empty if no more items.
//   - error: non-nil if loading or parsing fails.
func (a *Adapter) FetchBatch(ctx context.Context, cursor string, limit int) ([]source.FileItem, string, error) {
	if !a.loaded {
		if err := a.loadItems(ctx); err != nil {
			return nil, "", fmt.Errorf("failed to load staging items: %w", err)
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

// loadItems loads all items from the manifest file
func (a *Adapter) loadItems(ctx context.Context) error {
	stagingPath := filepath.Join(a.basePath, a.sourceID)
	manifestPath := filepath.Join(stagingPath, ManifestFileName)
	filesPath := filepath.Join(stagingPath, FilesDir)

	file, err := os.Open(manifestPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("manifest file not found: %s", manifestPath)
	}
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	a.items = []source.FileItem{}
	seen := map[string]bool{}

	// JSON Lines; malformed rows and missing files are skipped.
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item ManifestItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			logger.CtxWarn(ctx, "Skipping malformed manifest line %d: %v", lineNo, err)
			continue
		}
		if item.Filename == "" || seen[item.Filename] {
			continue
		}

		localPath := filepath.Join(filesPath, filepath.Base(item.Filename))
		info, err := os.Stat(localPath)
		if err != nil {
			logger.CtxWarn(ctx, "Skipping %s: %v", item.Filename, err)
			continue
		}
		seen[item.Filename] = true

		id := item.ID
		if id == "" {
			id = item.Filename
		}
		a.items = append(a.items, source.FileItem{
			SourceID:     fmt.Sprintf("%s_%s", a.sourceID, id),
			Name:         filepath.Base(item.Filename),
			LocalPath:    localPath,
			Size:         info.Size(),
			DeclaredType: item.DeclaredType,
		})
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].SourceID < a.items[j].SourceID
	})
	return nil
}

// ListStagingSources lists all available staging sources.
// Parameters:
//   - basePath: base path to the staging directory.
//
// Returns:
//   - []string: list of staging source IDs.
//   - error: non-nil if reading the directory fails.
func ListStagingSources(basePath string) ([]string, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	var sources []string
	for _, entry := range entries {
		if entry.IsDir() {
			manifestPath := filepath.Join(basePath, entry.Name(), ManifestFileName)
			if _, err := os.Stat(manifestPath); err == nil {
				sources = append(sources, entry.Name())
			}
		}
	}

	return sources, nil
}
