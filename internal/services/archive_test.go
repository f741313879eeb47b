package services

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func TestBuildArchive(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "bundle")
	files := map[string]string{
		"9x16/video.mp4":           "rendition-9x16",
		"16x9/video.mp4":           "rendition-16x9",
		"thumbnails/thumb_9x16.png": "png-9x16",
		"thumbnails/thumb_16x9.png": "png-16x9",
		"metadata/title.txt":       "My Export",
		"metadata/description.txt": "",
		"metadata/hashtags.txt":    "#a #b",
	}
	writeTree(t, bundle, files)

	zipPath := filepath.Join(t.TempDir(), "export.zip")
	size, err := BuildArchive(bundle, zipPath)
	if err != nil {
		t.Fatalf("BuildArchive failed: %v", err)
	}
	if size <= 0 {
		t.Fatalf("expected positive zip size, got %d", size)
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		t.Fatalf("stat zip: %v", err)
	}
	if info.Size() != size {
		t.Errorf("reported size %d does not match file size %d", size, info.Size())
	}

	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer reader.Close()

	var got []string
	contents := make(map[string]string)
	for _, f := range reader.File {
		got = append(got, f.Name)

		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		contents[f.Name] = string(data)
	}

	var want []string
	for rel := range files {
		want = append(want, rel)
	}
	sort.Strings(got)
	sort.Strings(want)

	if len(got) != len(want) {
		t.Fatalf("zip contains %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Round-trip content check — the scratch-root prefix must be stripped
	// but file bytes preserved.
	for rel, content := range files {
		if contents[rel] != content {
			t.Errorf("%s = %q, want %q", rel, contents[rel], content)
		}
	}
}

func TestBuildArchiveMissingDir(t *testing.T) {
	zipPath := filepath.Join(t.TempDir(), "export.zip")

	if _, err := BuildArchive(filepath.Join(t.TempDir(), "missing"), zipPath); err == nil {
		t.Fatal("expected error for missing bundle dir")
	}

	// A failed build must not leave a partial archive behind.
	if _, err := os.Stat(zipPath); !os.IsNotExist(err) {
		t.Errorf("expected no zip file after failure, stat err = %v", err)
	}
}
