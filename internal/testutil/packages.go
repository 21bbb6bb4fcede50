package testutil

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // release hashes are SHA-1
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/release"
)

// PayloadPrefix matches the default payload prefix of full packages.
const PayloadPrefix = "lib/"

// ZipBytes builds a zip archive holding files (archive name -> content).
// Entries are written in name order so archives are reproducible.
func ZipBytes(t testing.TB, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// WritePackage writes a package named filename into dir on fs. payload maps
// paths relative to the install directory to content; they are stored under
// PayloadPrefix next to a metadata file. It returns the package's entry.
func WritePackage(t testing.TB, fs fsys.FileSystem, dir, filename string, payload map[string]string) release.Entry {
	t.Helper()

	id, _, _, err := release.ParseFilename(filename)
	require.NoError(t, err)

	files := map[string]string{id + ".nuspec": "<package/>"}
	for rel, content := range payload {
		files[PayloadPrefix+rel] = content
	}
	data := ZipBytes(t, files)
	require.NoError(t, fs.WriteFile(filepath.Join(dir, filename), data, 0o644))

	entry, err := release.NewEntry(SHA1(data), filename, int64(len(data)))
	require.NoError(t, err)
	return entry
}

// DeltaPayload computes the payload of a delta package turning base into
// next: changed files become patches with a checksum, unchanged files empty
// patches and new files verbatim copies.
func DeltaPayload(base, next map[string]string) map[string]string {
	dmp := diffmatchpatch.New()
	out := make(map[string]string, len(next))
	for rel, content := range next {
		old, ok := base[rel]
		if !ok {
			out[rel] = content
			continue
		}
		if old == content {
			out[rel+".diff"] = ""
			continue
		}
		out[rel+".diff"] = dmp.PatchToText(dmp.PatchMake(old, content))
		out[rel+".shasum"] = fmt.Sprintf("%s %d", SHA1([]byte(content)), len(content))
	}
	return out
}

// WriteManifest writes a RELEASES file for entries into dir.
func WriteManifest(t testing.TB, fs fsys.FileSystem, dir string, entries ...release.Entry) release.Manifest {
	t.Helper()
	m, err := release.NewManifest(entries...)
	require.NoError(t, err)
	require.NoError(t, release.WriteFile(fs, filepath.Join(dir, release.FileName), m))
	return m
}

// ReadTree returns every file below dir keyed by slash-separated relative
// path.
func ReadTree(t testing.TB, fs fsys.FileSystem, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	files, err := listFiles(fs, dir)
	require.NoError(t, err)
	for _, rel := range files {
		data, err := fs.ReadFile(filepath.Join(dir, rel))
		require.NoError(t, err)
		out[filepath.ToSlash(rel)] = string(data)
	}
	return out
}

// SHA1 returns the uppercase hex SHA-1 of data.
func SHA1(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // see import
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
