package archiveloader

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipsix/plugboard/internal/logging"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func TestScanDiscoversZipBundle(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "bundle.zip"), map[string]string{
		"plugin.yaml": "identifier: com.example.bundle\nversion: 1.0.0\n",
	})

	l := New("archive-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(infos))
	}
	if infos[0].Identifier != "com.example.bundle" {
		t.Fatalf("unexpected identifier: %s", infos[0].Identifier)
	}
	if infos[0].Path != filepath.Join(dir, "bundle.zip") {
		t.Fatalf("expected Path to point at the archive, got %s", infos[0].Path)
	}
}

func TestScanSkipsNonArchiveFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	l := New("archive-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected non-archive files to be ignored, got %d", len(infos))
	}
}

func TestScanRejectsBundleWithMultipleDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeZip(t, filepath.Join(dir, "bad.zip"), map[string]string{
		"plugin.yaml": "identifier: com.example.a\nversion: 1.0.0\n",
		"plugin.yml":  "identifier: com.example.b\nversion: 1.0.0\n",
	})

	l := New("archive-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("expected malformed bundles to be logged and skipped, not errored: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected a bundle with two descriptors to be rejected, got %d plugins", len(infos))
	}
}

func TestSafeExtractPathRejectsTraversal(t *testing.T) {
	if _, err := safeExtractPath(t.TempDir(), "../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal path to be rejected")
	}
}

func TestSafeExtractPathAllowsNestedPath(t *testing.T) {
	dest := t.TempDir()
	target, err := safeExtractPath(dest, "subdir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := filepath.Join(dest, "subdir", "file.txt")
	if target != expected {
		t.Fatalf("expected %s, got %s", expected, target)
	}
}
