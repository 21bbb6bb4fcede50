// Package reconcile decides what an installation has to do to reach the
// latest release in a remote catalog. It performs no I/O.
package reconcile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/relsyncd/internal/release"
)

var (
	// ErrEmptyRemote is returned when the remote catalog has no entries.
	ErrEmptyRemote = errors.New("remote manifest is empty")
	// ErrNoFullRelease is returned when the latest remote version has no
	// full package to install from.
	ErrNoFullRelease = errors.New("latest remote version has no full package")
)

// Kind tags the variant of a Plan.
type Kind int

const (
	NoOp Kind = iota
	FreshInstall
	Update
	Rollback
)

func (k Kind) String() string {
	switch k {
	case NoOp:
		return "noop"
	case FreshInstall:
		return "fresh-install"
	case Update:
		return "update"
	case Rollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Plan is the outcome of reconciliation.
//
// Target is the full entry of the version that ends up installed and is the
// record the local manifest collapses to. Steps are the packages to fetch
// and apply in order: [Target] for FreshInstall and Rollback, either a delta
// chain or [Target] for Update, and nothing for NoOp.
type Plan struct {
	Kind   Kind
	Target release.Entry
	Steps  []release.Entry
}

// IsDeltaChain reports whether the plan applies delta packages.
func (p Plan) IsDeltaChain() bool {
	return len(p.Steps) > 0 && p.Steps[0].IsDelta()
}

func (p Plan) String() string {
	if p.Kind == NoOp {
		return p.Kind.String()
	}
	names := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		names[i] = s.Filename()
	}
	return fmt.Sprintf("%s to %s via [%s]", p.Kind, p.Target.Version(), strings.Join(names, ", "))
}

// Reconcile compares the installed release (nil when nothing usable is
// installed) with the remote catalog and returns the plan to execute.
func Reconcile(local *release.Entry, remote release.Manifest) (Plan, error) {
	latest, ok := remote.Latest()
	if !ok {
		return Plan{}, ErrEmptyRemote
	}

	if local != nil && local.Version().Equal(latest) {
		return Plan{Kind: NoOp}, nil
	}

	target, ok := remote.Full(latest)
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrNoFullRelease, latest)
	}

	if local == nil {
		return Plan{Kind: FreshInstall, Target: target, Steps: []release.Entry{target}}, nil
	}

	if local.Version().Compare(latest) > 0 {
		return Plan{Kind: Rollback, Target: target, Steps: []release.Entry{target}}, nil
	}

	if chain, ok := DeltaChain(local.Version(), remote); ok {
		return Plan{Kind: Update, Target: target, Steps: chain}, nil
	}
	return Plan{Kind: Update, Target: target, Steps: []release.Entry{target}}, nil
}

// DeltaChain returns the delta packages that walk from one version to the
// latest in remote, one release at a time. It reports false unless every
// link is present: from must itself be a catalog version, and every later
// version must carry a delta whose predecessor is the version before it.
func DeltaChain(from release.Version, remote release.Manifest) ([]release.Entry, bool) {
	versions := remote.Versions()

	start := -1
	for i, v := range versions {
		if v.Equal(from) {
			start = i
			break
		}
	}
	if start < 0 || start == len(versions)-1 {
		return nil, false
	}

	// a delta for version N is built against the release right before N in
	// the catalog, so walking consecutive versions keeps the chain contiguous
	chain := make([]release.Entry, 0, len(versions)-start-1)
	for _, v := range versions[start+1:] {
		d, ok := remote.Delta(v)
		if !ok {
			return nil, false
		}
		chain = append(chain, d)
	}
	return chain, true
}
