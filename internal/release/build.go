package release

import (
	"crypto/sha1" //nolint:gosec // the RELEASES format is defined in terms of SHA-1
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// DiscoverPackages lists the package files directly inside dir. The
// RELEASES file, hidden files, directories and files whose names do not
// follow the package naming scheme are skipped.
func DiscoverPackages(fs fsys.FileSystem, dir string) ([]string, error) {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || name == FileName || strings.HasPrefix(name, ".") {
			continue
		}
		if !IsPackageFilename(name) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// Build hashes every package in dir and assembles the manifest describing
// them.
func Build(fs fsys.FileSystem, dir string) (Manifest, error) {
	files, err := DiscoverPackages(fs, dir)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to discover packages in %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(files))
	for _, path := range files {
		entry, err := EntryForFile(fs, path)
		if err != nil {
			return Manifest{}, err
		}
		entries = append(entries, entry)
	}
	return NewManifest(entries...)
}

// EntryForFile hashes a package file and returns its manifest entry.
func EntryForFile(fs fsys.FileSystem, path string) (Entry, error) {
	hash, size, err := HashFile(fs, path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to compute hash for %s: %w", path, err)
	}
	return NewEntry(hash, filepath.Base(path), size)
}

// HashFile computes the uppercase hex SHA-1 and size of a file.
func HashFile(fs fsys.FileSystem, path string) (string, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha1.New() //nolint:gosec // see import
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), n, nil
}
