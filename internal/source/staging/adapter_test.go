package staging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFetchBatchFromManifest(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "nightly")
	if err := os.MkdirAll(filepath.Join(dir, FilesDir), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.TSYSO", "b.TSYSO", "c.TSYSO"} {
		if err := os.WriteFile(filepath.Join(dir, FilesDir, name), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest := strings.Join([]string{
		`{"id":"1","filename":"a.TSYSO","declared_type":"tddf"}`,
		`not json`,
		`{"id":"2","filename":"missing.TSYSO"}`,
		`{"id":"3","filename":"b.TSYSO"}`,
		`{"id":"4","filename":"a.TSYSO"}`,
		``,
		`{"id":"5","filename":"c.TSYSO"}`,
	}, "\n")
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	a := NewAdapter(base, "nightly")
	first, next, err := a.FetchBatch(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(first) != 2 || next != "2" {
		t.Fatalf("first page = %d items, next %q", len(first), next)
	}
	if first[0].Name != "a.TSYSO" || first[0].DeclaredType != "tddf" || first[0].Size != 2 {
		t.Errorf("first item = %+v", first[0])
	}
	rest, next, err := a.FetchBatch(context.Background(), next, 2)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(rest) != 1 || next != "" || rest[0].Name != "c.TSYSO" {
		t.Errorf("second page = %+v, next %q", rest, next)
	}

	sources, err := ListStagingSources(base)
	if err != nil || len(sources) != 1 || sources[0] != "nightly" {
		t.Errorf("ListStagingSources = %v, %v", sources, err)
	}
}

func TestMissingManifest(t *testing.T) {
	a := NewAdapter(t.TempDir(), "none")
	if _, _, err := a.FetchBatch(context.Background(), "", 10); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}
