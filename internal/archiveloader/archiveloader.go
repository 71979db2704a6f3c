// Package archiveloader implements the loader.Loader interface over
// plug-in bundles packaged as .zip, .tar, or .tar.gz archives. Extraction
// helpers are adapted from the signature-bundle importer this core's
// teacher repo used for air-gapped signature updates.
package archiveloader

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ipsix/plugboard/internal/descriptor"
	"github.com/ipsix/plugboard/internal/loader"
	"github.com/ipsix/plugboard/internal/logging"
	"github.com/ipsix/plugboard/internal/plugininfo"
)

const (
	descriptorNameYAML = "plugin.yaml"
	descriptorNameYML  = "plugin.yml"
)

// Loader holds an ordered, duplicate-free set of directories to scan for
// archive bundles. Registration semantics mirror localloader.Loader
// exactly.
type Loader struct {
	id     string
	logger *logging.Logger

	mu   sync.Mutex
	dirs []string
}

func New(id string, logger *logging.Logger) *Loader {
	return &Loader{id: id, logger: logger}
}

func (l *Loader) Identity() string { return l.id }

func (l *Loader) RegisterDir(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range l.dirs {
		if d == path {
			return
		}
	}
	l.dirs = append(l.dirs, path)
}

func (l *Loader) UnregisterDir(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, d := range l.dirs {
		if d == path {
			l.dirs = append(l.dirs[:i], l.dirs[i+1:]...)
			return
		}
	}
}

func (l *Loader) UnregisterAllDirs() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dirs = nil
}

func (l *Loader) RegisteredDirs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.dirs))
	copy(out, l.dirs)
	return out
}

// Scan enumerates every registered directory's immediate children,
// extracts each recognized archive to a scratch directory, looks for
// exactly one descriptor at the archive root, and reconciles the result
// using the same highest-version-wins rule as the local loader.
func (l *Loader) Scan(ctx context.Context) ([]*plugininfo.Info, error) {
	dirs := l.RegisteredDirs()
	avail := loader.NewAvailableSet()

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Error("archive loader: cannot open directory", logging.Field{Key: "dir", Value: dir}, logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if name == "" || name[0] == '.' || !isArchiveName(name) {
				continue
			}
			archivePath := filepath.Join(dir, name)
			info, err := l.scanOne(archivePath)
			if err != nil {
				l.logger.Error("archive loader: bundle skipped", logging.Field{Key: "path", Value: archivePath}, logging.Field{Key: "error", Value: err.Error()})
				continue
			}
			avail.Offer(info, l)
		}
	}

	entries := avail.Drain()
	out := make([]*plugininfo.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Info)
	}
	return out, nil
}

func isArchiveName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".tar") ||
		strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
}

func (l *Loader) scanOne(archivePath string) (*plugininfo.Info, error) {
	scratch, err := os.MkdirTemp("", "plugboard-bundle-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		err = extractZip(archivePath, scratch)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		err = extractTarGz(archivePath, scratch)
	case strings.HasSuffix(lower, ".tar"):
		err = extractTar(archivePath, scratch)
	default:
		return nil, fmt.Errorf("unrecognized archive extension")
	}
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	descPath, err := findDescriptor(scratch)
	if err != nil {
		return nil, err
	}
	info, err := descriptor.ParseFile(descPath)
	if err != nil {
		return nil, err
	}
	// The descriptor's Path should point at the archive, not the
	// extraction scratch directory, which is removed before Scan returns.
	info.Path = archivePath
	return info, nil
}

func findDescriptor(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("read extracted bundle: %w", err)
	}
	var found string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == descriptorNameYAML || e.Name() == descriptorNameYML {
			if found != "" {
				return "", fmt.Errorf("bundle contains more than one descriptor")
			}
			found = filepath.Join(root, e.Name())
		}
	}
	if found == "" {
		return "", fmt.Errorf("bundle contains no descriptor")
	}
	return found, nil
}

func extractZip(src, dest string) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer archive.Close()
	for _, f := range archive.File {
		target, err := safeExtractPath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			in.Close()
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			in.Close()
			out.Close()
			return err
		}
		in.Close()
		out.Close()
	}
	return nil
}

func extractTarGz(src, dest string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	gz, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gz.Close()
	return extractTarReader(gz, dest)
}

func extractTar(src, dest string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()
	return extractTarReader(file, dest)
}

func extractTarReader(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := safeExtractPath(dest, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		default:
			continue
		}
	}
}

func safeExtractPath(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path traversal: %s", name)
	}
	cleanDest := filepath.Clean(dest)
	target := filepath.Join(cleanDest, cleaned)
	prefix := cleanDest + string(filepath.Separator)
	if target != cleanDest && !strings.HasPrefix(target, prefix) {
		return "", fmt.Errorf("invalid extract target: %s", target)
	}
	return target, nil
}
