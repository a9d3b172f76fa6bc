package files

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultMaxFileBytes = 8 << 20 // 8MB

// Standard artifact directories under a workspace root.
const (
	ConfigsDir   = "configs"
	DecisionsDir = "decisions"
	EvolutionDir = "evolution"
	LessonsDir   = "lessons"
	StateFile    = "state.json"
)

// Workspace resolves and writes engine artifacts beneath one root directory.
type Workspace struct {
	Root string
}

// NewWorkspace creates the root and the standard artifact directories.
func NewWorkspace(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	for _, dir := range []string{ConfigsDir, DecisionsDir, EvolutionDir, LessonsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return &Workspace{Root: root}, nil
}

// Path joins relPath onto the root, refusing paths that escape it.
func (w *Workspace) Path(relPath string) (string, error) {
	return safeJoin(w.Root, relPath)
}

// MustPath is Path for compile-time constant relative paths.
func (w *Workspace) MustPath(parts ...string) string {
	p, err := safeJoin(w.Root, filepath.Join(parts...))
	if err != nil {
		panic(err)
	}
	return p
}

// WriteFile writes data under the root atomically.
func (w *Workspace) WriteFile(relPath string, data []byte) (string, error) {
	target, err := w.Path(relPath)
	if err != nil {
		return "", err
	}
	if err := WriteAtomic(target, data, 0644); err != nil {
		return "", err
	}
	return target, nil
}

// ReadFile reads a file under the root with a size limit.
func (w *Workspace) ReadFile(relPath string) ([]byte, error) {
	target, err := w.Path(relPath)
	if err != nil {
		return nil, err
	}
	return ReadLimited(target, defaultMaxFileBytes)
}

// WriteAtomic writes data to a temp file in the target directory, syncs it,
// and renames it over path. Readers see either the old or the new content.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(data)
	syncErr := tmpFile.Sync()
	closeErr := tmpFile.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write file: %w", writeErr)
	}
	if syncErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", syncErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to chmod file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return syncDir(dir)
}

// syncDir makes a completed rename durable. Filesystems that refuse to
// fsync directories are tolerated.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

// ReadLimited reads at most limit bytes from path.
func ReadLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file exceeds %d bytes limit", limit)
	}
	return data, nil
}

func safeJoin(base, rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be relative")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace root")
	}
	return filepath.Join(base, clean), nil
}
