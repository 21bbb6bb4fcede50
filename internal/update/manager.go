// Package update runs update operations for one installed application: it
// fetches the remote release catalog, reconciles it with what is installed
// and applies the resulting plan.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/delta"
	"github.com/schaermu/relsyncd/internal/download"
	"github.com/schaermu/relsyncd/internal/extract"
	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/lock"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/reconcile"
	"github.com/schaermu/relsyncd/internal/release"
)

// Operation names used in logs and metrics.
const (
	OpCheck       = "check"
	OpFullInstall = "full_install"
	OpUpdate      = "update"
)

// Deps are the collaborators of a Manager. Nil fields get defaults built
// from the configuration.
type Deps struct {
	FS         fsys.FileSystem
	Downloader download.Downloader
	Extractor  extract.Extractor
	Patcher    delta.Applier
	Locker     lock.Locker
	Metrics    metrics.Recorder
}

// Result describes the outcome of an operation.
type Result struct {
	OperationID string
	Plan        reconcile.Plan
	// Installed is the release on disk once the operation finished, nil when
	// nothing usable is installed.
	Installed *release.Entry
}

// Manager serializes and executes update operations on an installation
// root.
type Manager struct {
	cfg        *config.Config
	fs         fsys.FileSystem
	downloader download.Downloader
	locker     lock.Locker
	metrics    metrics.Recorder
	applier    *Applier
	logger     *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, deps Deps, logger *slog.Logger) *Manager {
	if deps.FS == nil {
		deps.FS = fsys.NewOS()
	}
	if deps.Downloader == nil {
		deps.Downloader = &download.Router{
			HTTP: download.NewHTTP(http.DefaultClient, deps.FS, cfg.Source.TokenFile, download.RetryPolicy{
				MaxRetries:      cfg.Retry.MaxRetries,
				InitialInterval: cfg.Retry.InitialInterval,
				MaxInterval:     cfg.Retry.MaxInterval,
			}),
			Local: download.NewLocal(fsys.NewOS(), deps.FS),
		}
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(deps.FS, cfg.PayloadPrefix())
	}
	if deps.Patcher == nil {
		deps.Patcher = delta.New(deps.FS, cfg.PayloadPrefix())
	}
	if deps.Locker == nil {
		deps.Locker = &lock.FileLocker{Wait: cfg.Install.LockWait}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}

	return &Manager{
		cfg:        cfg,
		fs:         deps.FS,
		downloader: deps.Downloader,
		locker:     deps.Locker,
		metrics:    deps.Metrics,
		applier:    NewApplier(cfg, deps.FS, deps.Downloader, deps.Extractor, deps.Patcher, deps.Metrics),
		logger:     logger,
	}
}

// CheckForUpdate fetches the remote catalog and returns the plan UpdateApp
// would execute. Nothing is written.
func (m *Manager) CheckForUpdate(ctx context.Context) (Result, error) {
	return m.run(ctx, OpCheck, true, func(ctx context.Context, logger *slog.Logger) (Result, error) {
		remote, err := m.fetchRemote(ctx, logger)
		if err != nil {
			return Result{}, err
		}
		local := m.installedRelease(logger)

		plan, err := m.plan(local, remote)
		if err != nil {
			return Result{Installed: local}, err
		}
		logger.Info("update check complete", "installed", versionOf(local), "plan", plan.String())
		return Result{Plan: plan, Installed: local}, nil
	})
}

// FullInstall installs the latest full release regardless of what is
// installed.
func (m *Manager) FullInstall(ctx context.Context) (Result, error) {
	return m.run(ctx, OpFullInstall, false, func(ctx context.Context, logger *slog.Logger) (Result, error) {
		remote, err := m.fetchRemote(ctx, logger)
		if err != nil {
			return Result{}, err
		}
		local := m.installedRelease(logger)

		latest, _ := remote.Latest()
		target, ok := remote.Full(latest)
		if !ok {
			return Result{Installed: local}, m.corrupt(fmt.Errorf("%w: %s", reconcile.ErrNoFullRelease, latest))
		}
		plan := reconcile.Plan{Kind: reconcile.FreshInstall, Target: target, Steps: []release.Entry{target}}
		m.metrics.IncPlan(plan.Kind.String())

		return m.execute(ctx, logger, plan, nil, local)
	})
}

// UpdateApp brings the installation to the latest remote release. When it
// is already there nothing is downloaded or written.
func (m *Manager) UpdateApp(ctx context.Context) (Result, error) {
	return m.run(ctx, OpUpdate, false, func(ctx context.Context, logger *slog.Logger) (Result, error) {
		remote, err := m.fetchRemote(ctx, logger)
		if err != nil {
			return Result{}, err
		}
		local := m.installedRelease(logger)

		plan, err := m.plan(local, remote)
		if err != nil {
			return Result{Installed: local}, err
		}
		if plan.Kind == reconcile.NoOp {
			logger.Info("already up to date", "version", versionOf(local))
			m.metrics.SetInstalledVersion(versionOf(local))
			return Result{Plan: plan, Installed: local}, nil
		}
		return m.execute(ctx, logger, plan, local, local)
	})
}

func (m *Manager) execute(ctx context.Context, logger *slog.Logger, plan reconcile.Plan, base, local *release.Entry) (Result, error) {
	logger.Info("applying plan", "installed", versionOf(local), "plan", plan.String())
	if err := m.applier.Apply(ctx, plan, base, logger); err != nil {
		return Result{Plan: plan, Installed: local}, err
	}

	target := plan.Target
	version := target.Version().String()
	m.metrics.SetInstalledVersion(version)
	logger.Info("release installed", "version", version, "kind", plan.Kind.String())
	return Result{Plan: plan, Installed: &target}, nil
}

// run executes fn while holding the root's lock. A readOnly operation on a
// root that does not exist yet runs without the lock, since taking it would
// create the root.
func (m *Manager) run(ctx context.Context, op string, readOnly bool, fn func(context.Context, *slog.Logger) (Result, error)) (Result, error) {
	opID := uuid.NewString()
	logger := m.logger.With("op_id", opID, "operation", op)
	start := time.Now()

	if readOnly {
		exists, err := m.fs.Exists(m.cfg.App.RootDir)
		if err == nil && !exists {
			logger.Debug("installation root does not exist, skipping lock", "root", m.cfg.App.RootDir)
			res, err := fn(ctx, logger)
			res.OperationID = opID
			m.metrics.ObserveOperation(op, time.Since(start), resultOf(ctx, err))
			return res, err
		}
	}

	unlock, err := m.locker.Acquire(ctx, m.cfg.App.RootDir)
	if err != nil {
		res := Result{OperationID: opID}
		if errors.Is(err, lock.ErrLocked) {
			logger.Info("installation is busy", "root", m.cfg.App.RootDir)
			m.metrics.ObserveOperation(op, time.Since(start), metrics.ResultBusy)
			return res, fmt.Errorf("%w: %s", ErrOperationInProgress, m.cfg.App.RootDir)
		}
		m.metrics.ObserveOperation(op, time.Since(start), resultOf(ctx, err))
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("failed to lock %s: %w", m.cfg.App.RootDir, err)
	}
	defer unlock()

	res, err := fn(ctx, logger)
	res.OperationID = opID
	m.metrics.ObserveOperation(op, time.Since(start), resultOf(ctx, err))
	return res, err
}

// fetchRemote downloads and parses the remote RELEASES file.
func (m *Manager) fetchRemote(ctx context.Context, logger *slog.Logger) (release.Manifest, error) {
	url := m.remoteManifestURL()
	logger.Debug("fetching remote manifest", "url", url)

	data, err := m.downloader.DownloadBytes(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return release.Manifest{}, ctx.Err()
		}
		return release.Manifest{}, m.corrupt(err)
	}

	res := release.Classify(string(data))
	if res.Status != release.StatusValid {
		return release.Manifest{}, m.corrupt(res.Reason)
	}
	if res.Manifest.IsEmpty() {
		return release.Manifest{}, m.corrupt(reconcile.ErrEmptyRemote)
	}
	if m.cfg.App.ID != "" {
		for _, e := range res.Manifest.Entries() {
			if !strings.EqualFold(e.PackageID(), m.cfg.App.ID) {
				return release.Manifest{}, m.corrupt(fmt.Errorf("catalog lists package %s, expected %s", e.Filename(), m.cfg.App.ID))
			}
		}
	}

	latest, _ := res.Manifest.Latest()
	logger.Debug("remote manifest loaded", "entries", res.Manifest.Len(), "latest", latest.String())
	return res.Manifest, nil
}

// installedRelease returns the release recorded in the local manifest, or
// nil when the manifest is missing, corrupt, or points at a release that is
// no longer on disk.
func (m *Manager) installedRelease(logger *slog.Logger) *release.Entry {
	path := manifestPath(m.cfg)
	res := release.Load(m.fs, path)

	switch res.Status {
	case release.StatusMissing:
		logger.Debug("no local manifest", "path", path)
		return nil
	case release.StatusCorrupt:
		logger.Warn("local manifest is corrupt, treating application as not installed", "path", path, "error", res.Reason)
		return nil
	}

	latest, ok := res.Manifest.Latest()
	if !ok {
		logger.Warn("local manifest is empty, treating application as not installed", "path", path)
		return nil
	}
	entry, ok := res.Manifest.Full(latest)
	if !ok {
		entry, _ = res.Manifest.Delta(latest)
	}

	dir := m.cfg.AppDir(entry.Version().String())
	exists, err := m.fs.Exists(dir)
	if err != nil || !exists {
		logger.Warn("installed release directory is missing, treating application as not installed", "dir", dir, "error", err)
		return nil
	}
	return &entry
}

func (m *Manager) plan(local *release.Entry, remote release.Manifest) (reconcile.Plan, error) {
	plan, err := reconcile.Reconcile(local, remote)
	if err != nil {
		return reconcile.Plan{}, m.corrupt(err)
	}
	m.metrics.IncPlan(plan.Kind.String())
	return plan, nil
}

func (m *Manager) corrupt(err error) error {
	return &RemoteManifestCorruptError{Source: m.remoteManifestURL(), Err: err}
}

func (m *Manager) remoteManifestURL() string {
	return download.Join(m.cfg.Source.URL, release.FileName)
}

func versionOf(e *release.Entry) string {
	if e == nil {
		return "none"
	}
	return e.Version().String()
}

func resultOf(ctx context.Context, err error) metrics.Result {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case ctx.Err() != nil:
		return metrics.ResultCanceled
	default:
		return metrics.ResultFailed
	}
}
