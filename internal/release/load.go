package release

import "github.com/schaermu/relsyncd/internal/fsys"

// Status classifies the outcome of loading a manifest file.
type Status int

const (
	// StatusMissing means the manifest file does not exist.
	StatusMissing Status = iota
	// StatusValid means the manifest parsed cleanly.
	StatusValid
	// StatusCorrupt means the file exists but could not be read or parsed.
	StatusCorrupt
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusValid:
		return "valid"
	case StatusCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// LoadResult is the classified outcome of Load. Manifest is only set for
// StatusValid; Reason only for StatusCorrupt.
type LoadResult struct {
	Status   Status
	Manifest Manifest
	Reason   error
}

// Load reads and classifies the manifest at path. It never fails: callers
// decide how to treat missing and corrupt manifests.
func Load(fs fsys.FileSystem, path string) LoadResult {
	data, err := fs.ReadFile(path)
	if err != nil {
		if fsys.IsNotExist(err) {
			return LoadResult{Status: StatusMissing}
		}
		return LoadResult{Status: StatusCorrupt, Reason: err}
	}
	return Classify(string(data))
}

// Classify parses manifest text into a LoadResult.
func Classify(text string) LoadResult {
	m, err := Parse(text)
	if err != nil {
		return LoadResult{Status: StatusCorrupt, Reason: err}
	}
	return LoadResult{Status: StatusValid, Manifest: m}
}
