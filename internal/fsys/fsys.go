// Package fsys is the filesystem seam used by the update engine. All
// on-disk state (installed app directories, cached packages, RELEASES files)
// goes through a FileSystem so the engine can run against the real disk in
// production and an in-memory filesystem in tests.
package fsys

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// File is an open file handle.
type File interface {
	io.Reader
	io.ReaderAt
	io.Writer
	io.Closer
	Name() string
}

// FileSystem provides the operations the engine needs from a filesystem.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	RemoveAll(path string) error
	Remove(path string) error
	Exists(path string) (bool, error)
	Stat(path string) (os.FileInfo, error)
	ReadDir(path string) ([]os.FileInfo, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	// WriteFileAtomic writes data to a temporary file next to path and
	// renames it into place.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
	Rename(from, to string) error
	// TempDir creates a new uniquely named directory inside dir.
	TempDir(dir, prefix string) (string, error)
	Open(path string) (File, error)
	Create(path string) (File, error)
	Walk(root string, fn filepath.WalkFunc) error
}

// FS implements FileSystem on top of a go-billy filesystem.
type FS struct {
	fs billy.Filesystem
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

// NewOS returns a FileSystem over the real disk. Paths are used as given,
// so callers should pass absolute paths.
func NewOS() *FS {
	return &FS{fs: osfs.New("/")}
}

// NewMemory returns an empty in-memory FileSystem.
func NewMemory() *FS {
	return &FS{fs: memfs.New()}
}

// Raw exposes the underlying billy filesystem.
func (f *FS) Raw() billy.Filesystem {
	return f.fs
}

func (f *FS) MkdirAll(path string, perm os.FileMode) error {
	if err := f.fs.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

func (f *FS) RemoveAll(path string) error {
	if err := util.RemoveAll(f.fs, path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (f *FS) Remove(path string) error {
	if err := f.fs.Remove(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (f *FS) Exists(path string) (bool, error) {
	_, err := f.fs.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
}

func (f *FS) Stat(path string) (os.FileInfo, error) {
	return f.fs.Stat(path)
}

func (f *FS) ReadDir(path string) ([]os.FileInfo, error) {
	return f.fs.ReadDir(path)
}

func (f *FS) ReadFile(path string) ([]byte, error) {
	return util.ReadFile(f.fs, path)
}

func (f *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := f.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return util.WriteFile(f.fs, path, data, perm)
}

func (f *FS) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := util.TempFile(f.fs, dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = f.fs.Remove(tmpPath)
	}() // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if ch, ok := f.fs.(billy.Change); ok {
		if err := ch.Chmod(tmpPath, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", tmpPath, err)
		}
	}
	if err := f.fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

func (f *FS) Rename(from, to string) error {
	if err := f.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func (f *FS) TempDir(dir, prefix string) (string, error) {
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	name, err := util.TempDir(f.fs, dir, prefix)
	if err != nil {
		return "", fmt.Errorf("create temp dir in %s: %w", dir, err)
	}
	return name, nil
}

func (f *FS) Open(path string) (File, error) {
	return f.fs.Open(path)
}

func (f *FS) Create(path string) (File, error) {
	return f.fs.Create(path)
}

func (f *FS) Walk(root string, fn filepath.WalkFunc) error {
	return util.Walk(f.fs, root, fn)
}

// CopyDir recursively copies src into dst, creating dst if needed.
func CopyDir(fs FileSystem, src, dst string) error {
	return fs.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, 0o755)
		}
		return CopyFile(fs, path, target)
	})
}

// CopyFile copies a single file, overwriting the destination.
func CopyFile(fs FileSystem, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()

	if err := fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// IsNotExist reports whether err indicates a missing file, across billy
// implementations.
func IsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(err, os.ErrNotExist))
}
