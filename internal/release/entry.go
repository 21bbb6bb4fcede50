package release

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const byteOrderMark = "\uFEFF"

var (
	hashPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

	// <package-id>.<version>[-delta|-full].<ext>
	filenamePattern = regexp.MustCompile(`^(.+?)\.(\d+(?:\.\d+)*)(?:-(delta|full))?\.([A-Za-z][A-Za-z0-9]*)$`)
)

// MalformedEntryError reports a manifest line that failed validation.
type MalformedEntryError struct {
	Line   string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("malformed release entry %q: %s", e.Line, e.Reason)
}

// IsMalformedEntry reports whether err is (or wraps) a MalformedEntryError.
func IsMalformedEntry(err error) bool {
	var me *MalformedEntryError
	return errors.As(err, &me)
}

// Entry is one record of a RELEASES manifest. It is immutable; use the
// accessor methods to read it.
type Entry struct {
	hash      string
	filename  string
	packageID string
	version   Version
	size      int64
	delta     bool
}

// NewEntry validates the parts of a release record and returns the entry.
func NewEntry(hash, filename string, size int64) (Entry, error) {
	line := fmt.Sprintf("%s %s %d", hash, filename, size)
	if !hashPattern.MatchString(hash) {
		return Entry{}, &MalformedEntryError{Line: line, Reason: "hash must be 40 hex characters"}
	}
	if size <= 0 {
		return Entry{}, &MalformedEntryError{Line: line, Reason: "size must be a positive integer"}
	}
	id, version, delta, err := ParseFilename(filename)
	if err != nil {
		return Entry{}, &MalformedEntryError{Line: line, Reason: err.Error()}
	}
	return Entry{
		hash:      hash,
		filename:  filename,
		packageID: id,
		version:   version,
		size:      size,
		delta:     delta,
	}, nil
}

// ParseEntry parses a single "<hash> <filename> <size>" manifest line.
func ParseEntry(line string) (Entry, error) {
	trimmed := strings.TrimSpace(strings.TrimPrefix(line, byteOrderMark))
	fields := strings.Fields(trimmed)
	if len(fields) != 3 {
		return Entry{}, &MalformedEntryError{Line: line, Reason: fmt.Sprintf("expected 3 fields, got %d", len(fields))}
	}

	// sizes are canonical decimal so Serialize reproduces the line
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil || strconv.FormatInt(size, 10) != fields[2] {
		return Entry{}, &MalformedEntryError{Line: line, Reason: "size must be a positive integer"}
	}

	entry, err := NewEntry(fields[0], fields[1], size)
	if err != nil {
		var me *MalformedEntryError
		if errors.As(err, &me) {
			me.Line = line
		}
		return Entry{}, err
	}
	return entry, nil
}

// ParseFilename splits a package filename into its package id, version and
// delta flag. Filenames without a -full or -delta suffix are full packages.
func ParseFilename(filename string) (string, Version, bool, error) {
	if strings.ContainsAny(filename, `/\`) {
		return "", nil, false, fmt.Errorf("filename %q must not contain path separators", filename)
	}
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return "", nil, false, fmt.Errorf("filename %q does not match <package-id>.<version>[-delta|-full].<ext>", filename)
	}
	version, err := ParseVersion(m[2])
	if err != nil {
		return "", nil, false, err
	}
	return m[1], version, m[3] == "delta", nil
}

// IsPackageFilename reports whether name looks like a release package.
func IsPackageFilename(name string) bool {
	_, _, _, err := ParseFilename(name)
	return err == nil
}

// Hash returns the hex SHA-1 of the package file as written in the manifest.
func (e Entry) Hash() string { return e.hash }

// Filename returns the package file name.
func (e Entry) Filename() string { return e.filename }

// PackageID returns the package id prefix of the filename.
func (e Entry) PackageID() string { return e.packageID }

// Version returns a copy of the entry's version.
func (e Entry) Version() Version { return e.version.clone() }

// Size returns the package size in bytes.
func (e Entry) Size() int64 { return e.size }

// IsDelta reports whether the entry is a delta package.
func (e Entry) IsDelta() bool { return e.delta }

// IsZero reports whether e is the zero Entry.
func (e Entry) IsZero() bool { return e.filename == "" }

// Equal reports whether two entries describe the same package file.
func (e Entry) Equal(other Entry) bool {
	return strings.EqualFold(e.hash, other.hash) &&
		e.filename == other.filename &&
		e.size == other.size &&
		e.delta == other.delta &&
		e.version.Equal(other.version)
}

// String renders the entry in manifest line format.
func (e Entry) String() string {
	return fmt.Sprintf("%s %s %d", e.hash, e.filename, e.size)
}

// compare orders entries by version, full before delta.
func (e Entry) compare(other Entry) int {
	if c := e.version.Compare(other.version); c != 0 {
		return c
	}
	switch {
	case e.delta == other.delta:
		return strings.Compare(e.filename, other.filename)
	case !e.delta:
		return -1
	default:
		return 1
	}
}

// slotKey identifies the (version, kind) slot an entry occupies.
func (e Entry) slotKey() string {
	if e.delta {
		return e.version.key() + "-delta"
	}
	return e.version.key() + "-full"
}
