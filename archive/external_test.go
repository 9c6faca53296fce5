package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFindArchiverBadOverride(t *testing.T) {
	if _, err := FindArchiver(filepath.Join(t.TempDir(), "no-such-7z")); err == nil {
		t.Error("expected error for a missing override binary")
	}
}

func TestExtractSelection(t *testing.T) {
	bin, err := FindArchiver("")
	if err != nil {
		t.Skipf("no external archiver available: %v", err)
	}

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "sel.zip")
	writeTestZip(t, zipPath, [][2]string{
		{"keep/page1.jpg", "ONE"},
		{"keep/page2.jpg", "TWO"},
		{"skip/page3.jpg", "THREE"},
	})

	dest := filepath.Join(dir, "out")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(bin, 0)
	names := []string{"keep/page1.jpg", "keep/page2.jpg"}
	if err := r.ExtractSelection(context.Background(), zipPath, dest, names); err != nil {
		t.Fatalf("ExtractSelection: %v", err)
	}

	for _, name := range names {
		if _, err := os.Stat(filepath.Join(dest, filepath.FromSlash(name))); err != nil {
			t.Errorf("selected entry %s not extracted: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, "skip", "page3.jpg")); !os.IsNotExist(err) {
		t.Errorf("unselected entry extracted (stat err %v)", err)
	}
}
