// Package workspace implements the backend interface's file-system-surface
// and VCS-integration contract: a guarded view over one working directory
// (read/write/delete/hash/stat/list_dir, every operation instrumented), a
// debounced change notifier, and working-copy identification plus
// ephemeral-copy create/clean for parallel execution.
//
// Grounded on original_source/smithers_py/engine/fs_watcher.py's
// FileSystemContext and FileWatcher.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smithers-ai/smithers/internal/errs"
	"github.com/smithers-ai/smithers/internal/logging"
)

// FileSurface is a guarded view over one working directory. Every path a
// caller supplies is resolved relative to root and rejected if resolution
// would escape it.
type FileSurface struct {
	root    string
	logger  *logging.Logger
	watcher *Watcher
}

// FileInfo describes one directory entry or the result of Stat.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// New builds a FileSurface rooted at root. w receives a change
// notification after every Write/Delete and may be nil to disable
// notification entirely. logger defaults to logging.Default() when nil.
func New(root string, w *Watcher, logger *logging.Logger) (*FileSurface, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidConfig, "resolve workspace root", 500, err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FileSurface{root: abs, logger: logger, watcher: w}, nil
}

// Root returns the guarded working directory's absolute path.
func (f *FileSurface) Root() string { return f.root }

// resolve maps path onto the guarded root, rejecting anything that would
// escape it via ".." traversal or an absolute path outside root.
func (f *FileSurface) resolve(path string) (string, error) {
	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
	} else {
		abs = filepath.Join(f.root, path)
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.CodeInvalidInput, fmt.Sprintf("path %q escapes workspace root", path), 400)
	}
	return abs, nil
}

// Read reads a file with instrumentation.
func (f *FileSurface) Read(ctx context.Context, path string) ([]byte, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeNotFound, "file not found: "+path, 404)
		}
		return nil, errs.Wrap(errs.CodeInternal, "read file", 500, err)
	}
	f.instrument(ctx, "read", path, int64(len(data)), hashBytes(data))
	return data, nil
}

// Write writes a file with instrumentation, creating parent directories as
// needed, and notifies the watcher (if any) of the change.
func (f *FileSurface) Write(ctx context.Context, path string, data []byte) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errs.Wrap(errs.CodeInternal, "create parent directory", 500, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return errs.Wrap(errs.CodeInternal, "write file", 500, err)
	}
	f.instrument(ctx, "write", path, int64(len(data)), hashBytes(data))
	if f.watcher != nil {
		f.watcher.OnFileChange(abs)
	}
	return nil
}

// Delete removes a file with instrumentation and notifies the watcher.
func (f *FileSurface) Delete(ctx context.Context, path string) error {
	abs, err := f.resolve(path)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(abs); os.IsNotExist(statErr) {
		return errs.New(errs.CodeNotFound, "file not found: "+path, 404)
	}
	if err := os.Remove(abs); err != nil {
		return errs.Wrap(errs.CodeInternal, "delete file", 500, err)
	}
	f.instrument(ctx, "delete", path, 0, "")
	if f.watcher != nil {
		f.watcher.OnFileChange(abs)
	}
	return nil
}

// Hash returns the SHA256 hex digest of a file's contents.
func (f *FileSurface) Hash(ctx context.Context, path string) (string, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.New(errs.CodeNotFound, "file not found: "+path, 404)
		}
		return "", errs.Wrap(errs.CodeInternal, "read file", 500, err)
	}
	h := hashBytes(data)
	f.instrument(ctx, "hash", path, int64(len(data)), h)
	return h, nil
}

// Stat reports metadata for path without reading its contents.
func (f *FileSurface) Stat(ctx context.Context, path string) (FileInfo, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, errs.New(errs.CodeNotFound, "file not found: "+path, 404)
		}
		return FileInfo{}, errs.Wrap(errs.CodeInternal, "stat file", 500, err)
	}
	f.instrument(ctx, "stat", path, info.Size(), "")
	return FileInfo{Name: info.Name(), Size: info.Size(), IsDir: info.IsDir(), ModTime: info.ModTime()}, nil
}

// ListDir lists the entries of a directory.
func (f *FileSurface) ListDir(ctx context.Context, path string) ([]FileInfo, error) {
	abs, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CodeNotFound, "directory not found: "+path, 404)
		}
		return nil, errs.Wrap(errs.CodeInternal, "list directory", 500, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir(), ModTime: info.ModTime()})
	}
	f.instrument(ctx, "list_dir", path, int64(len(out)), "")
	return out, nil
}

// instrument records one file operation: path, op, size, content hash,
// frame id, and node id, pulled from ctx via internal/logging's scoping
// helpers. Matches fs_watcher.py's FileRecord fields.
func (f *FileSurface) instrument(ctx context.Context, op, path string, size int64, hash string) {
	frameID, _ := logging.GetFrameID(ctx)
	nodeID := logging.GetNodeID(ctx)
	f.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"op":       op,
		"path":     path,
		"size":     size,
		"hash":     hash,
		"frame_id": frameID,
		"node_id":  nodeID,
	}).Info("fs operation")
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
