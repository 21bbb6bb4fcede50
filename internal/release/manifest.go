package release

import (
	"bufio"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// FileName is the name of the manifest file, both locally and remotely.
const FileName = "RELEASES"

// Manifest is an ordered set of release entries, sorted ascending by
// version with the full package before the delta for the same version.
type Manifest struct {
	entries []Entry
}

// NewManifest sorts entries and checks that no (version, kind) slot is
// occupied twice.
func NewManifest(entries ...Entry) (Manifest, error) {
	seen := make(map[string]Entry, len(entries))
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsZero() {
			return Manifest{}, errors.New("zero release entry")
		}
		if prev, ok := seen[e.slotKey()]; ok {
			kind := "full"
			if e.delta {
				kind = "delta"
			}
			return Manifest{}, fmt.Errorf("duplicate %s release for version %s: %s and %s",
				kind, e.version, prev.filename, e.filename)
		}
		seen[e.slotKey()] = e
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].compare(out[j]) < 0
	})
	return Manifest{entries: out}, nil
}

// Parse reads manifest text strictly: the first malformed line or duplicate
// fails the whole manifest. Blank lines are ignored.
func Parse(text string) (Manifest, error) {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(strings.TrimPrefix(line, byteOrderMark)) == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			return Manifest{}, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return NewManifest(entries...)
}

// Len returns the number of entries.
func (m Manifest) Len() int { return len(m.entries) }

// IsEmpty reports whether the manifest has no entries.
func (m Manifest) IsEmpty() bool { return len(m.entries) == 0 }

// Entries returns a copy of the entries in canonical order.
func (m Manifest) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Latest returns the highest version present in the manifest.
func (m Manifest) Latest() (Version, bool) {
	if len(m.entries) == 0 {
		return nil, false
	}
	return m.entries[len(m.entries)-1].Version(), true
}

// Versions returns the distinct versions in ascending order.
func (m Manifest) Versions() []Version {
	var out []Version
	for _, e := range m.entries {
		if len(out) > 0 && out[len(out)-1].Equal(e.version) {
			continue
		}
		out = append(out, e.Version())
	}
	return out
}

// Full returns the full package entry for v.
func (m Manifest) Full(v Version) (Entry, bool) {
	return m.find(v, false)
}

// Delta returns the delta package entry for v.
func (m Manifest) Delta(v Version) (Entry, bool) {
	return m.find(v, true)
}

func (m Manifest) find(v Version, delta bool) (Entry, bool) {
	for _, e := range m.entries {
		if e.delta == delta && e.version.Equal(v) {
			return e, true
		}
	}
	return Entry{}, false
}

// Equal reports whether both manifests hold the same set of entries.
func (m Manifest) Equal(other Manifest) bool {
	if len(m.entries) != len(other.entries) {
		return false
	}
	// both sides are canonically sorted
	for i := range m.entries {
		if !m.entries[i].Equal(other.entries[i]) {
			return false
		}
	}
	return true
}

// Serialize renders the canonical RELEASES text: one entry per line in
// ascending order with a trailing newline.
func (m Manifest) Serialize() []byte {
	var b strings.Builder
	for _, e := range m.entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// WriteFile atomically replaces path with the serialized manifest.
func WriteFile(fs fsys.FileSystem, path string, m Manifest) error {
	if err := fs.WriteFileAtomic(path, m.Serialize(), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
