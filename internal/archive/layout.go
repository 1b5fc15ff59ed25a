package archive

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Output subdirectories of a mirror root.
const (
	HTMLDir    = "HTML"
	JSONDir    = "JSON"
	LogsDir    = "Logs"
	ReportsDir = "Reports"
)

// Layout resolves mirror-relative paths under one output root.
type Layout struct {
	Root string
}

// Ensure creates the four top-level directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{HTMLDir, JSONDir, LogsDir, ReportsDir} {
		if err := os.MkdirAll(filepath.Join(l.Root, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return nil
}

// HTMLPath returns the on-disk path of a slash-separated body path.
func (l Layout) HTMLPath(rel string) string {
	return filepath.Join(l.Root, HTMLDir, filepath.FromSlash(rel))
}

// JSONPath returns the on-disk path of a slash-separated sidecar path.
func (l Layout) JSONPath(rel string) string {
	return filepath.Join(l.Root, JSONDir, filepath.FromSlash(rel))
}

// FallbackSidecarPath is tried when the mirrored sidecar cannot be written.
// The name is derived from the URL so it cannot collide or be too long.
func (l Layout) FallbackSidecarPath(pageURL string) string {
	sum := sha1.Sum([]byte(pageURL))
	return filepath.Join(l.Root, JSONDir, "_fallback", hex.EncodeToString(sum[:])+"_meta.json")
}

// LogPath returns a path under Logs.
func (l Layout) LogPath(name string) string {
	return filepath.Join(l.Root, LogsDir, name)
}

// ReportPath returns a path under Reports.
func (l Layout) ReportPath(name string) string {
	return filepath.Join(l.Root, ReportsDir, name)
}

// WriteLog writes v as indented JSON to Logs/name and returns the path.
func (l Layout) WriteLog(name string, v any) (string, error) {
	path := l.LogPath(name)
	if err := writeJSON(path, v); err != nil {
		return "", err
	}
	return path, nil
}

// Relative returns path relative to the root with forward slashes, or path
// unchanged if it lies elsewhere.
func (l Layout) Relative(path string) string {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// exists reports whether a regular file is present at path.
func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// atomicFile is written under a temporary name in the target directory and
// renamed into place on Commit, so an interrupted write never leaves a
// partial file at the final path.
type atomicFile struct {
	*os.File
	target string
	done   bool
}

func createAtomic(target string) (*atomicFile, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for %s: %w", target, err)
	}
	return &atomicFile{File: f, target: target}, nil
}

// Commit closes the temp file and renames it to the target.
func (f *atomicFile) Commit() error {
	if f.done {
		return nil
	}
	f.done = true
	if err := f.File.Close(); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("failed to close %s: %w", f.target, err)
	}
	if err := os.Rename(f.Name(), f.target); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("failed to move %s into place: %w", f.target, err)
	}
	return nil
}

// Abort discards the temp file. It is a no-op after Commit.
func (f *atomicFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	_ = f.File.Close()
	_ = os.Remove(f.Name())
}

// writeFileAtomic writes data to path via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	f, err := createAtomic(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Commit()
}

// writeJSON writes v as indented JSON.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

// readPrefix returns up to n bytes from the start of path.
func readPrefix(path string, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(io.LimitReader(f, n))
}
