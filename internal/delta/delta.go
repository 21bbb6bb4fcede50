// Package delta applies delta packages to an installed release directory.
//
// A delta package is a zip archive laid out like a full package. For every
// payload file of the new release it holds either a "<path>.diff" entry with
// diff-match-patch text against the previous release (empty when the file is
// unchanged), or the file itself when it is new or replaced wholesale. A
// "<path>.shasum" entry holding "<sha1> <size>" pins the patched result.
// Files of the previous release with no entry are dropped.
package delta

import (
	"context"
	"crypto/sha1" //nolint:gosec // package checksums are SHA-1
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/schaermu/relsyncd/internal/extract"
	"github.com/schaermu/relsyncd/internal/fsys"
)

// TempDirPrefix prefixes the result directories created by ApplyPatch.
const TempDirPrefix = ".delta-"

const (
	diffSuffix   = ".diff"
	shasumSuffix = ".shasum"
)

var (
	// ErrPatchRejected is returned when a patch does not apply cleanly.
	ErrPatchRejected = errors.New("patch rejected")
	// ErrChecksumMismatch is returned when a patched file does not match its
	// recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Applier produces a new release directory from a base directory and a
// delta package.
type Applier interface {
	// ApplyPatch returns a new directory holding baseDir with the delta
	// applied. baseDir is never modified.
	ApplyPatch(ctx context.Context, baseDir, deltaPackagePath string) (string, error)
}

// PatchApplier applies diff-match-patch delta packages.
type PatchApplier struct {
	fs     fsys.FileSystem
	prefix string
	dmp    *diffmatchpatch.DiffMatchPatch
}

// New creates a PatchApplier reading payload entries under prefix.
func New(fs fsys.FileSystem, prefix string) *PatchApplier {
	return &PatchApplier{
		fs:     fs,
		prefix: prefix,
		dmp:    diffmatchpatch.New(),
	}
}

type checksum struct {
	hash string
	size int64
}

// ApplyPatch implements Applier. The result directory is created next to
// baseDir and removed again on failure.
func (a *PatchApplier) ApplyPatch(ctx context.Context, baseDir, deltaPackagePath string) (result string, err error) {
	out, err := a.fs.TempDir(filepath.Dir(baseDir), TempDirPrefix)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = a.fs.RemoveAll(out)
		}
	}()

	if err := fsys.CopyDir(a.fs, baseDir, out); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", baseDir, err)
	}

	keep := map[string]bool{}
	sums := map[string]checksum{}
	err = extract.Walk(ctx, a.fs, deltaPackagePath, a.prefix, func(rel string, f *zip.File) error {
		if f.FileInfo().IsDir() {
			return a.fs.MkdirAll(filepath.Join(out, rel), 0o755)
		}
		switch {
		case strings.HasSuffix(rel, shasumSuffix):
			target := strings.TrimSuffix(rel, shasumSuffix)
			sum, err := readChecksum(f)
			if err != nil {
				return fmt.Errorf("%s: %w", f.Name, err)
			}
			sums[target] = sum
			return nil
		case strings.HasSuffix(rel, diffSuffix):
			target := strings.TrimSuffix(rel, diffSuffix)
			keep[target] = true
			return a.patchFile(f, filepath.Join(out, target))
		default:
			keep[rel] = true
			return extract.WriteEntry(a.fs, f, filepath.Join(out, rel))
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply %s: %w", filepath.Base(deltaPackagePath), err)
	}

	for rel, sum := range sums {
		if err := verify(a.fs, filepath.Join(out, rel), sum); err != nil {
			return "", err
		}
	}
	if err := prune(a.fs, out, keep); err != nil {
		return "", err
	}
	return out, nil
}

func (a *PatchApplier) patchFile(f *zip.File, path string) error {
	text, err := extract.ReadEntry(f)
	if err != nil {
		return err
	}
	base, err := a.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %s has no base file: %v", ErrPatchRejected, f.Name, err)
	}
	if len(text) == 0 {
		return nil
	}

	patches, err := a.dmp.PatchFromText(string(text))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPatchRejected, f.Name, err)
	}
	patched, applied := a.dmp.PatchApply(patches, string(base))
	for _, ok := range applied {
		if !ok {
			return fmt.Errorf("%w: %s does not apply", ErrPatchRejected, f.Name)
		}
	}
	return a.fs.WriteFile(path, []byte(patched), 0o644)
}

func readChecksum(f *zip.File) (checksum, error) {
	data, err := extract.ReadEntry(f)
	if err != nil {
		return checksum{}, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return checksum{}, fmt.Errorf("invalid checksum %q", strings.TrimSpace(string(data)))
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		return checksum{}, fmt.Errorf("invalid checksum size %q", fields[1])
	}
	return checksum{hash: fields[0], size: size}, nil
}

func verify(fs fsys.FileSystem, path string, want checksum) error {
	data, err := fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to verify %s: %w", path, err)
	}
	sum := sha1.Sum(data) //nolint:gosec // see import
	got := hex.EncodeToString(sum[:])
	if int64(len(data)) != want.size || !strings.EqualFold(got, want.hash) {
		return fmt.Errorf("%w: %s: expected %s (%d bytes), got %s (%d bytes)",
			ErrChecksumMismatch, path, want.hash, want.size, got, len(data))
	}
	return nil
}

// prune removes files under dir that the delta did not mention.
func prune(fs fsys.FileSystem, dir string, keep map[string]bool) error {
	var drop []string
	err := fs.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if !keep[rel] {
			drop = append(drop, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	for _, path := range drop {
		if err := fs.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
