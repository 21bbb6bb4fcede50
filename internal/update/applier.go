package update

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/delta"
	"github.com/schaermu/relsyncd/internal/download"
	"github.com/schaermu/relsyncd/internal/extract"
	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/reconcile"
	"github.com/schaermu/relsyncd/internal/release"
)

// Prefixes of scratch directories created inside the installation root.
const (
	installTempPrefix  = ".install-"
	replacedTempPrefix = ".replaced-"
)

// Applier executes reconciliation plans against an installation root.
type Applier struct {
	cfg        *config.Config
	fs         fsys.FileSystem
	downloader download.Downloader
	extractor  extract.Extractor
	patcher    delta.Applier
	metrics    metrics.Recorder
}

// NewApplier creates an Applier.
func NewApplier(cfg *config.Config, fs fsys.FileSystem, downloader download.Downloader, extractor extract.Extractor, patcher delta.Applier, recorder metrics.Recorder) *Applier {
	return &Applier{
		cfg:        cfg,
		fs:         fs,
		downloader: downloader,
		extractor:  extractor,
		patcher:    patcher,
		metrics:    recorder,
	}
}

// Apply executes plan. installed is the release currently on disk, used as
// the base of delta chains. On failure the installed release and the local
// manifest are left as they were.
func (a *Applier) Apply(ctx context.Context, plan reconcile.Plan, installed *release.Entry, logger *slog.Logger) error {
	if plan.Kind == reconcile.NoOp {
		return nil
	}
	version := plan.Target.Version().String()

	err := a.apply(ctx, plan, installed, logger)
	if err == nil {
		a.housekeep(plan.Target, logger)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if IsPackageIntegrity(err) || IsInstallFailed(err) {
		return err
	}
	return &InstallFailedError{Version: version, Stage: "apply", Err: err}
}

func (a *Applier) apply(ctx context.Context, plan reconcile.Plan, installed *release.Entry, logger *slog.Logger) error {
	version := plan.Target.Version().String()

	if err := a.fetch(ctx, plan.Steps, logger); err != nil {
		if IsPackageIntegrity(err) {
			return err
		}
		return &InstallFailedError{Version: version, Stage: "download", Err: err}
	}

	staged, err := a.build(ctx, plan.Steps, installed, logger)
	if err != nil {
		return err
	}

	// nothing past this point observes ctx: once promoted, the release is
	// committed as a unit
	dest := a.cfg.AppDir(version)
	aside, err := a.moveAside(dest, version)
	if err != nil {
		_ = a.fs.RemoveAll(staged)
		return &InstallFailedError{Version: version, Stage: "promote", Err: err}
	}
	if err := a.fs.Rename(staged, dest); err != nil {
		_ = a.fs.RemoveAll(staged)
		a.restore(aside, dest, logger)
		return &InstallFailedError{Version: version, Stage: "promote", Err: err}
	}
	logger.Info("promoted release", "version", version, "dir", dest)

	if err := a.commit(plan.Target); err != nil {
		_ = a.fs.RemoveAll(dest)
		a.restore(aside, dest, logger)
		return &InstallFailedError{Version: version, Stage: "commit", Err: err}
	}
	if aside != "" {
		if err := a.fs.RemoveAll(aside); err != nil {
			logger.Warn("failed to remove replaced release", "dir", aside, "error", err)
		}
	}
	return nil
}

// fetch makes every step's package available in the packages directory.
// Downloads run concurrently.
func (a *Applier) fetch(ctx context.Context, steps []release.Entry, logger *slog.Logger) error {
	if err := a.fs.MkdirAll(a.cfg.PackagesDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create packages directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Install.DownloadConcurrency)
	for _, step := range steps {
		g.Go(func() error {
			return a.fetchOne(gctx, step, logger)
		})
	}
	return g.Wait()
}

func (a *Applier) fetchOne(ctx context.Context, entry release.Entry, logger *slog.Logger) error {
	path := a.packagePath(entry)
	if verifyPackage(a.fs, path, entry) == nil {
		logger.Debug("using cached package", "package", entry.Filename())
		a.metrics.IncDownload(metrics.ResultCached, 0)
		return nil
	}

	url := download.Join(a.cfg.Source.URL, entry.Filename())
	logger.Info("downloading package", "package", entry.Filename(), "size", entry.Size())
	if err := a.downloader.DownloadFile(ctx, url, path); err != nil {
		_ = a.fs.RemoveAll(path)
		a.metrics.IncDownload(downloadResult(ctx), 0)
		return fmt.Errorf("failed to download %s: %w", entry.Filename(), err)
	}

	if err := verifyPackage(a.fs, path, entry); err != nil {
		_ = a.fs.RemoveAll(path)
		a.metrics.IncDownload(metrics.ResultFailed, 0)
		logger.Warn("downloaded package failed verification", "package", entry.Filename(), "error", err)
		return err
	}
	a.metrics.IncDownload(metrics.ResultSuccess, entry.Size())
	return nil
}

// build produces a staging directory holding the target release by running
// the steps in order. The installed directory is only ever read.
func (a *Applier) build(ctx context.Context, steps []release.Entry, installed *release.Entry, logger *slog.Logger) (string, error) {
	var (
		cur   string
		owned bool
	)
	if installed != nil {
		cur = a.cfg.AppDir(installed.Version().String())
	}
	discard := func() {
		if owned {
			_ = a.fs.RemoveAll(cur)
		}
	}

	for _, step := range steps {
		version := step.Version().String()
		if err := ctx.Err(); err != nil {
			discard()
			return "", err
		}
		pkg := a.packagePath(step)

		if step.IsDelta() {
			if cur == "" {
				return "", &InstallFailedError{Version: version, Stage: "patch", Err: fmt.Errorf("no installed release to apply %s to", step.Filename())}
			}
			logger.Info("applying delta package", "package", step.Filename(), "base", cur)
			next, err := a.patcher.ApplyPatch(ctx, cur, pkg)
			if err != nil {
				discard()
				return "", &InstallFailedError{Version: version, Stage: "patch", Err: err}
			}
			discard()
			cur, owned = next, true
			continue
		}

		logger.Info("extracting package", "package", step.Filename())
		tmp, err := a.fs.TempDir(a.cfg.App.RootDir, installTempPrefix)
		if err != nil {
			discard()
			return "", &InstallFailedError{Version: version, Stage: "extract", Err: err}
		}
		if err := a.extractor.Extract(ctx, pkg, tmp); err != nil {
			_ = a.fs.RemoveAll(tmp)
			discard()
			return "", &InstallFailedError{Version: version, Stage: "extract", Err: err}
		}
		discard()
		cur, owned = tmp, true
	}
	return cur, nil
}

// moveAside renames an existing install directory out of the way so the new
// one can take its place. It returns "" when dest does not exist.
func (a *Applier) moveAside(dest, version string) (string, error) {
	exists, err := a.fs.Exists(dest)
	if err != nil || !exists {
		return "", err
	}
	aside := filepath.Join(a.cfg.App.RootDir, replacedTempPrefix+"app-"+version)
	if err := a.fs.RemoveAll(aside); err != nil {
		return "", err
	}
	if err := a.fs.Rename(dest, aside); err != nil {
		return "", err
	}
	return aside, nil
}

func (a *Applier) restore(aside, dest string, logger *slog.Logger) {
	if aside == "" {
		return
	}
	if err := a.fs.Rename(aside, dest); err != nil {
		logger.Error("failed to restore replaced release", "dir", dest, "error", err)
	}
}

// commit replaces the local manifest with one recording only target.
func (a *Applier) commit(target release.Entry) error {
	m, err := release.NewManifest(target)
	if err != nil {
		return err
	}
	return release.WriteFile(a.fs, manifestPath(a.cfg), m)
}

// housekeep drops cached packages the new manifest does not reference,
// scratch directories and install directories beyond the retention count.
// Failures are logged only.
func (a *Applier) housekeep(target release.Entry, logger *slog.Logger) {
	pkgs, err := a.fs.ReadDir(a.cfg.PackagesDir())
	if err != nil {
		logger.Warn("failed to list cached packages", "error", err)
	}
	for _, info := range pkgs {
		name := info.Name()
		if info.IsDir() || name == target.Filename() || !release.IsPackageFilename(name) {
			continue
		}
		if err := a.fs.Remove(filepath.Join(a.cfg.PackagesDir(), name)); err != nil {
			logger.Warn("failed to remove cached package", "package", name, "error", err)
		}
	}

	infos, err := a.fs.ReadDir(a.cfg.App.RootDir)
	if err != nil {
		logger.Warn("failed to list install directories", "error", err)
		return
	}

	type appDir struct {
		name    string
		version release.Version
	}
	var others []appDir
	for _, info := range infos {
		name := info.Name()
		if !info.IsDir() {
			continue
		}
		if isScratchDir(name) {
			a.removeDir(name, logger)
			continue
		}
		v, ok := appDirVersion(name)
		if !ok || v.Equal(target.Version()) {
			continue
		}
		others = append(others, appDir{name: name, version: v})
	}

	sort.Slice(others, func(i, j int) bool {
		return others[i].version.Compare(others[j].version) > 0
	})
	keep := a.cfg.Install.KeepVersions - 1
	for i, d := range others {
		if i < keep {
			continue
		}
		logger.Info("removing old release", "dir", d.name)
		a.removeDir(d.name, logger)
	}
}

func (a *Applier) removeDir(name string, logger *slog.Logger) {
	if err := a.fs.RemoveAll(filepath.Join(a.cfg.App.RootDir, name)); err != nil {
		logger.Warn("failed to remove directory", "dir", name, "error", err)
	}
}

func (a *Applier) packagePath(entry release.Entry) string {
	return filepath.Join(a.cfg.PackagesDir(), entry.Filename())
}

func manifestPath(cfg *config.Config) string {
	return filepath.Join(cfg.PackagesDir(), release.FileName)
}

// verifyPackage checks a package file against its manifest entry.
func verifyPackage(fs fsys.FileSystem, path string, entry release.Entry) error {
	hash, size, err := release.HashFile(fs, path)
	if err != nil {
		return err
	}
	if size != entry.Size() || !strings.EqualFold(hash, entry.Hash()) {
		return &PackageIntegrityError{
			Filename:     entry.Filename(),
			ExpectedHash: entry.Hash(),
			ActualHash:   hash,
			ExpectedSize: entry.Size(),
			ActualSize:   size,
		}
	}
	return nil
}

func appDirVersion(name string) (release.Version, bool) {
	if !strings.HasPrefix(name, "app-") {
		return nil, false
	}
	v, err := release.ParseVersion(strings.TrimPrefix(name, "app-"))
	if err != nil {
		return nil, false
	}
	return v, true
}

func isScratchDir(name string) bool {
	return strings.HasPrefix(name, installTempPrefix) ||
		strings.HasPrefix(name, delta.TempDirPrefix) ||
		strings.HasPrefix(name, replacedTempPrefix)
}

func downloadResult(ctx context.Context) metrics.Result {
	if ctx.Err() != nil {
		return metrics.ResultCanceled
	}
	return metrics.ResultFailed
}
