package release

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an ordered tuple of non-negative integers, e.g. 1.2.0.0.
// Missing trailing components compare as zero, so 1.2 == 1.2.0.0.
type Version []uint64

// ParseVersion parses a dotted numeric version string.
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	v := make(Version, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("invalid version %q: empty component", s)
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %w", s, err)
		}
		v = append(v, n)
	}
	return v, nil
}

// Compare returns -1 if v < other, 0 if equal and 1 if v > other.
func (v Version) Compare(other Version) int {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		a, b := v.at(i), other.at(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

// Equal reports whether both versions denote the same release.
func (v Version) Equal(other Version) bool {
	return v.Compare(other) == 0
}

func (v Version) at(i int) uint64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}

// String renders the version exactly as it was parsed.
func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}

// key is a canonical form used for map lookups: trailing zeros are dropped
// so that versions comparing equal share a key.
func (v Version) key() string {
	end := len(v)
	for end > 1 && v[end-1] == 0 {
		end--
	}
	return v[:end].String()
}

func (v Version) clone() Version {
	out := make(Version, len(v))
	copy(out, v)
	return out
}
