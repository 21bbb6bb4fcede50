package update

import (
	"errors"
	"fmt"
)

// ErrOperationInProgress is returned when another operation holds the
// installation root.
var ErrOperationInProgress = errors.New("another update operation is in progress")

// RemoteManifestCorruptError indicates the remote RELEASES file could not be
// fetched or does not describe an installable catalog. Nothing local has
// been touched when it is returned.
type RemoteManifestCorruptError struct {
	Source string
	Err    error
}

func (e *RemoteManifestCorruptError) Error() string {
	return fmt.Sprintf("remote manifest %s is unusable: %v", e.Source, e.Err)
}

func (e *RemoteManifestCorruptError) Unwrap() error { return e.Err }

// IsRemoteManifestCorrupt reports whether err is a RemoteManifestCorruptError.
func IsRemoteManifestCorrupt(err error) bool {
	var rm *RemoteManifestCorruptError
	return errors.As(err, &rm)
}

// PackageIntegrityError indicates a downloaded package does not match its
// manifest entry.
type PackageIntegrityError struct {
	Filename     string
	ExpectedHash string
	ActualHash   string
	ExpectedSize int64
	ActualSize   int64
}

func (e *PackageIntegrityError) Error() string {
	return fmt.Sprintf("package %s failed verification: expected %s (%d bytes), got %s (%d bytes)",
		e.Filename, e.ExpectedHash, e.ExpectedSize, e.ActualHash, e.ActualSize)
}

// IsPackageIntegrity reports whether err is a PackageIntegrityError.
func IsPackageIntegrity(err error) bool {
	var pi *PackageIntegrityError
	return errors.As(err, &pi)
}

// InstallFailedError wraps a failure while applying a plan. The previously
// installed release is intact when it is returned.
type InstallFailedError struct {
	Version string
	Stage   string
	Err     error
}

func (e *InstallFailedError) Error() string {
	return fmt.Sprintf("failed to install %s during %s: %v", e.Version, e.Stage, e.Err)
}

func (e *InstallFailedError) Unwrap() error { return e.Err }

// IsInstallFailed reports whether err is an InstallFailedError.
func IsInstallFailed(err error) bool {
	var inf *InstallFailedError
	return errors.As(err, &inf)
}
