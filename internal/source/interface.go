package source

import "context"

// FileItem is one file offered by a source for import.
type FileItem struct {
	SourceID     string // Unique ID within the source
	Name         string // File name reported to the pipeline
	LocalPath    string
	Size         int64
	DeclaredType string // Optional record-type hint, e.g. "tddf"
}

// Source lists files to import into the upload pipeline.
type Source interface {
	// GetSourceID returns the unique identifier for this source.
	// Parameters: none.
	// Returns:
	//   - string: stable source identifier.
	GetSourceID() string

	// GetDisplayName returns a human-readable name for this source.
	// Parameters: none.
	// Returns:
	//   - string: display-friendly source name.
	GetDisplayName() string

	// FetchBatch fetches a batch of files starting from the given cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - cursor: pagination cursor or empty for first page.
	//   - limit: maximum number of items to fetch.
	// Returns:
	//   - items: batch of files.
	//   - nextCursor: cursor for the next batch or empty if done.
	//   - err: non-nil if fetching fails.
	FetchBatch(ctx context.Context, cursor string, limit int) (items []FileItem, nextCursor string, err error)
}

// Page slices items by an index cursor. Adapters that load their whole listing
// up front share it.
func Page(items []FileItem, startIndex, limit int) ([]FileItem, int) {
	if startIndex >= len(items) {
		return []FileItem{}, -1
	}
	endIndex := startIndex + limit
	if limit <= 0 || endIndex > len(items) {
		endIndex = len(items)
	}
	next := -1
	if endIndex < len(items) {
		next = endIndex
	}
	return items[startIndex:endIndex], next
}
