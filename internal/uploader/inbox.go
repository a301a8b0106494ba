package uploader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ClaimSuffix marks a file an uploader is working on.
const ClaimSuffix = ".uploading"

// ErrAlreadyClaimed means the file vanished or another process claimed it.
var ErrAlreadyClaimed = errors.New("file already claimed")

// Folders is the uploader's working layout under one base directory.
type Folders struct {
	Base      string
	Inbox     string
	Logs      string
	Processed string
}

// NewFolders lays out inbox, logs and processed under base.
func NewFolders(base string) Folders {
	return Folders{
		Base:      base,
		Inbox:     filepath.Join(base, "inbox"),
		Logs:      filepath.Join(base, "logs"),
		Processed: filepath.Join(base, "processed"),
	}
}

// Ensure creates any missing folder.
func (f Folders) Ensure() error {
	for _, dir := range []string{f.Inbox, f.Logs, f.Processed} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// eligible reports whether an inbox entry name should be uploaded.
func eligible(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ClaimSuffix)
}

// Pending lists inbox files waiting for upload, sorted by name. Hidden and
// claimed files are left alone.
func (f Folders) Pending() ([]string, error) {
	entries, err := os.ReadDir(f.Inbox)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !eligible(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(f.Inbox, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Claim renames path to its claimed name. The rename is atomic, so of two
// racing uploaders only one wins.
func Claim(path string) (string, error) {
	claimed := path + ClaimSuffix
	if err := os.Rename(path, claimed); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyClaimed, filepath.Base(path))
		}
		return "", err
	}
	return claimed, nil
}

// Unclaim restores a claimed file's original name so a later run retries it.
func Unclaim(claimed string) (string, error) {
	original := strings.TrimSuffix(claimed, ClaimSuffix)
	if err := os.Rename(claimed, original); err != nil {
		return claimed, err
	}
	return original, nil
}

// MoveToProcessed moves a claimed file into processed under its original
// name, adding " (n)" before the extension if that name is taken.
func (f Folders) MoveToProcessed(claimed string) (string, error) {
	name := strings.TrimSuffix(filepath.Base(claimed), ClaimSuffix)
	dest := uniquePath(f.Processed, name)
	if err := os.Rename(claimed, dest); err != nil {
		return "", fmt.Errorf("move %s to processed: %w", name, err)
	}
	return dest, nil
}

func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
