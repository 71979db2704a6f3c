package localloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipsix/plugboard/internal/logging"
)

func writeDescriptor(t *testing.T, dir, name, identifier, version string) {
	t.Helper()
	content := "identifier: " + identifier + "\nversion: " + version + "\n"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
}

func TestScanDiscoversPluginFiles(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "a.yaml", "com.example.a", "1.0.0")
	writeDescriptor(t, dir, "b.yaml", "com.example.b", "2.0.0")

	l := New("local-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 plugins, got %d", len(infos))
	}
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, ".hidden.yaml", "com.example.hidden", "1.0.0")

	l := New("local-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected hidden entries to be skipped, got %d", len(infos))
	}
}

func TestScanSkipsUnopenableDirectory(t *testing.T) {
	l := New("local-test", logging.New("text"))
	l.RegisterDir(filepath.Join(t.TempDir(), "does-not-exist"))

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("expected a missing directory to be logged and skipped, not errored: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no plugins from a missing directory")
	}
}

func TestRegisterDirIsIdempotent(t *testing.T) {
	l := New("local-test", logging.New("text"))
	dir := t.TempDir()
	l.RegisterDir(dir)
	l.RegisterDir(dir)
	if got := l.RegisteredDirs(); len(got) != 1 {
		t.Fatalf("expected duplicate registration to be a no-op, got %v", got)
	}
}

func TestUnregisterAllDirsEmptiesTheSet(t *testing.T) {
	l := New("local-test", logging.New("text"))
	l.RegisterDir(t.TempDir())
	l.RegisterDir(t.TempDir())
	l.UnregisterAllDirs()
	if got := l.RegisteredDirs(); len(got) != 0 {
		t.Fatalf("expected empty set after UnregisterAllDirs, got %v", got)
	}
}

func TestScanPluginDirectoryWithDescriptorInside(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "myplugin")
	if err := os.Mkdir(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeDescriptor(t, pluginDir, "plugin.yaml", "com.example.myplugin", "1.0.0")

	l := New("local-test", logging.New("text"))
	l.RegisterDir(dir)

	infos, err := l.Scan(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(infos) != 1 || infos[0].Identifier != "com.example.myplugin" {
		t.Fatalf("expected one plugin discovered from directory entry, got %+v", infos)
	}
}
