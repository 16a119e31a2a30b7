package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/florinutz/laketx/laketxerr"
)

// Local implements Storage on the local filesystem, rooted at a directory.
// Paths are slash-separated and relative to the root.
type Local struct {
	root string
}

// NewLocal creates a filesystem store rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{root: dir}
}

func (s *Local) abs(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

func (s *Local) Write(_ context.Context, path string, data []byte) error {
	full := s.abs(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &laketxerr.StorageError{Op: "write", Path: path, Transient: false, Err: err}
	}
	// Write through a temp file so readers never observe a partial object.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &laketxerr.StorageError{Op: "write", Path: path, Transient: false, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return &laketxerr.StorageError{Op: "write", Path: path, Transient: true, Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return &laketxerr.StorageError{Op: "write", Path: path, Transient: true, Err: err}
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return &laketxerr.StorageError{Op: "write", Path: path, Transient: false, Err: err}
	}
	return nil
}

func (s *Local) Read(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(path))
	if err != nil {
		return nil, &laketxerr.StorageError{Op: "read", Path: path, Transient: false, Err: err}
	}
	return data, nil
}

func (s *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(s.abs(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, &laketxerr.StorageError{Op: "stat", Path: path, Transient: false, Err: err}
}

func (s *Local) Delete(_ context.Context, path string) error {
	if err := os.Remove(s.abs(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &laketxerr.StorageError{Op: "delete", Path: path, Transient: false, Err: err}
	}
	return nil
}

func (s *Local) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		// Skip in-flight temp files from Write.
		if strings.HasPrefix(filepath.Base(p), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Path: rel, Size: info.Size(), Modified: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, &laketxerr.StorageError{Op: "list", Path: prefix, Transient: false, Err: err}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
