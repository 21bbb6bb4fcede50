// Package extract unpacks release packages. A package is a zip archive whose
// payload lives under a fixed prefix; everything else in the archive is
// package metadata and is ignored.
package extract

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// DefaultPayloadPrefix is the archive directory holding the installed files.
const DefaultPayloadPrefix = "lib/"

// Extractor unpacks a full package into a directory.
type Extractor interface {
	Extract(ctx context.Context, packagePath, targetDir string) error
}

// ZipExtractor extracts payload entries of zip packages.
type ZipExtractor struct {
	fs     fsys.FileSystem
	prefix string
}

// New creates a ZipExtractor. An empty prefix extracts every entry.
func New(fs fsys.FileSystem, prefix string) *ZipExtractor {
	return &ZipExtractor{fs: fs, prefix: prefix}
}

// Extract writes the payload of packagePath into targetDir.
func (e *ZipExtractor) Extract(ctx context.Context, packagePath, targetDir string) error {
	if err := e.fs.MkdirAll(targetDir, 0o755); err != nil {
		return err
	}
	return Walk(ctx, e.fs, packagePath, e.prefix, func(rel string, f *zip.File) error {
		dest := filepath.Join(targetDir, rel)
		if f.FileInfo().IsDir() {
			return e.fs.MkdirAll(dest, 0o755)
		}
		return WriteEntry(e.fs, f, dest)
	})
}

// Walk calls fn for every payload entry of the zip at packagePath, in
// archive order. rel is the entry path with the prefix removed, in OS form.
// Entries that would land outside the target directory fail the walk.
func Walk(ctx context.Context, fs fsys.FileSystem, packagePath, prefix string, fn func(rel string, f *zip.File) error) error {
	info, err := fs.Stat(packagePath)
	if err != nil {
		return fmt.Errorf("failed to stat package %s: %w", packagePath, err)
	}
	in, err := fs.Open(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open package %s: %w", packagePath, err)
	}
	defer func() {
		_ = in.Close()
	}()

	zr, err := zip.NewReader(in, info.Size())
	if err != nil {
		return fmt.Errorf("failed to read package %s: %w", packagePath, err)
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, ok, err := payloadPath(f.Name, prefix)
		if err != nil {
			return fmt.Errorf("package %s: %w", packagePath, err)
		}
		if !ok {
			continue
		}
		if err := fn(rel, f); err != nil {
			return err
		}
	}
	return nil
}

// WriteEntry copies a single archive entry to dest.
func WriteEntry(fs fsys.FileSystem, f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := fs.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// ReadEntry returns the content of an archive entry.
func ReadEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

// payloadPath maps an archive name to a relative payload path. ok is false
// for entries outside the prefix and for the prefix directory itself.
func payloadPath(name, prefix string) (string, bool, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if prefix != "" {
		if !strings.HasPrefix(name, prefix) {
			return "", false, nil
		}
		name = strings.TrimPrefix(name, prefix)
	}
	if name == "" || name == "/" {
		return "", false, nil
	}

	if path.IsAbs(name) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false, fmt.Errorf("entry %q has an absolute path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false, fmt.Errorf("entry %q escapes the target directory", name)
	}
	if clean == "." {
		return "", false, nil
	}
	return filepath.FromSlash(clean), true, nil
}
