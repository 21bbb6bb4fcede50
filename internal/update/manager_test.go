package update

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/relsyncd/internal/config"
	"github.com/schaermu/relsyncd/internal/delta"
	"github.com/schaermu/relsyncd/internal/download"
	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/lock"
	"github.com/schaermu/relsyncd/internal/metrics"
	"github.com/schaermu/relsyncd/internal/reconcile"
	"github.com/schaermu/relsyncd/internal/release"
	"github.com/schaermu/relsyncd/internal/testutil"
)

const appID = "MyApp"

// countingDownloader serves a local directory and counts package downloads.
type countingDownloader struct {
	inner download.Downloader
	files atomic.Int32
	// beforeFile runs ahead of every package download.
	beforeFile func()
}

func (d *countingDownloader) DownloadFile(ctx context.Context, url, dest string) error {
	d.files.Add(1)
	if d.beforeFile != nil {
		d.beforeFile()
	}
	return d.inner.DownloadFile(ctx, url, dest)
}

func (d *countingDownloader) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	return d.inner.DownloadBytes(ctx, url)
}

// overlapDownloader tracks how many package downloads run at once.
type overlapDownloader struct {
	inner    download.Downloader
	delay    time.Duration
	inflight atomic.Int32
	peak     atomic.Int32
}

func (d *overlapDownloader) DownloadFile(ctx context.Context, url, dest string) error {
	n := d.inflight.Add(1)
	defer d.inflight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(d.delay)
	return d.inner.DownloadFile(ctx, url, dest)
}

func (d *overlapDownloader) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	return d.inner.DownloadBytes(ctx, url)
}

type recordedOp struct {
	op     string
	result metrics.Result
}

type fakeRecorder struct {
	metrics.NoopRecorder
	mu        sync.Mutex
	ops       []recordedOp
	installed string
}

func (r *fakeRecorder) ObserveOperation(op string, _ time.Duration, result metrics.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op: op, result: result})
}

func (r *fakeRecorder) SetInstalledVersion(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = v
}

type fixture struct {
	t         *testing.T
	fs        fsys.FileSystem
	cfg       *config.Config
	remoteDir string
	published []release.Entry
	dl        *countingDownloader
	locker    lock.Locker
	recorder  *fakeRecorder
	mgr       *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, fsys.NewMemory(), "/", &lock.LocalLocker{})
}

func newFixtureOn(t *testing.T, fs fsys.FileSystem, base string, locker lock.Locker) *fixture {
	t.Helper()

	cfg := &config.Config{
		App:    config.AppConfig{ID: appID, RootDir: filepath.Join(base, "app")},
		Source: config.SourceConfig{URL: filepath.Join(base, "remote")},
		Install: config.InstallConfig{
			DownloadConcurrency: 2,
			KeepVersions:        2,
			PayloadPrefix:       testutil.PayloadPrefix,
		},
	}
	f := &fixture{
		t:         t,
		fs:        fs,
		cfg:       cfg,
		remoteDir: cfg.Source.URL,
		dl:        &countingDownloader{inner: download.NewLocal(fs, fs)},
		locker:    locker,
		recorder:  &fakeRecorder{},
	}
	f.mgr = NewManager(cfg, Deps{
		FS:         fs,
		Downloader: f.dl,
		Locker:     locker,
		Metrics:    f.recorder,
	}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return f
}

// publish adds a package to the remote directory and rewrites its RELEASES.
func (f *fixture) publish(filename string, payload map[string]string) release.Entry {
	f.t.Helper()
	e := testutil.WritePackage(f.t, f.fs, f.remoteDir, filename, payload)
	f.published = append(f.published, e)
	testutil.WriteManifest(f.t, f.fs, f.remoteDir, f.published...)
	return e
}

// publishRaw adds a package with arbitrary content to the remote directory.
func (f *fixture) publishRaw(filename string, data []byte) release.Entry {
	f.t.Helper()
	require.NoError(f.t, f.fs.WriteFile(filepath.Join(f.remoteDir, filename), data, 0o644))
	e, err := release.NewEntry(testutil.SHA1(data), filename, int64(len(data)))
	require.NoError(f.t, err)
	f.published = append(f.published, e)
	testutil.WriteManifest(f.t, f.fs, f.remoteDir, f.published...)
	return e
}

func (f *fixture) localManifest() string {
	f.t.Helper()
	data, err := f.fs.ReadFile(filepath.Join(f.cfg.PackagesDir(), release.FileName))
	require.NoError(f.t, err)
	return string(data)
}

func (f *fixture) appTree(version string) map[string]string {
	f.t.Helper()
	return testutil.ReadTree(f.t, f.fs, f.cfg.AppDir(version))
}

func (f *fixture) rootEntries() []string {
	f.t.Helper()
	infos, err := f.fs.ReadDir(f.cfg.App.RootDir)
	require.NoError(f.t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names
}

func (f *fixture) packageFiles() []string {
	f.t.Helper()
	infos, err := f.fs.ReadDir(f.cfg.PackagesDir())
	require.NoError(f.t, err)
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names
}

func TestUpdateApp_FreshInstall(t *testing.T) {
	f := newFixture(t)
	e := f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1", "data/config.json": "{}"})

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, res.OperationID)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)
	require.NotNil(t, res.Installed)
	assert.True(t, res.Installed.Equal(e))
	assert.Equal(t, map[string]string{"MyApp.exe": "v1", "data/config.json": "{}"}, f.appTree("1.0.0"))
	assert.Equal(t, e.String()+"\n", f.localManifest())
	assert.Equal(t, int32(1), f.dl.files.Load())
	assert.Equal(t, "1.0.0", f.recorder.installed)
	assert.Equal(t, []string{"app-1.0.0", "packages"}, f.rootEntries())
}

func TestUpdateApp_UpToDateIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})

	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	before := f.localManifest()

	for i := 0; i < 2; i++ {
		res, err := f.mgr.UpdateApp(context.Background())
		require.NoError(t, err)
		assert.Equal(t, reconcile.NoOp, res.Plan.Kind)
		require.NotNil(t, res.Installed)
		assert.Equal(t, "1.0.0", res.Installed.Version().String())
	}

	assert.Equal(t, before, f.localManifest())
	assert.Equal(t, int32(1), f.dl.files.Load())
}

func TestUpdateApp_RecoversFromCorruptLocalManifest(t *testing.T) {
	base := t.TempDir()
	f := newFixtureOn(t, fsys.NewOS(), base, &lock.FileLocker{})

	f.publish("NSync.Core.1.0.0.0-full.nupkg", map[string]string{"NSync.Core.dll": "core 1.0"})
	f.cfg.App.ID = "NSync.Core"
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	f.publish("NSync.Core.1.1.0.0-full.nupkg", map[string]string{"NSync.Core.dll": "core 1.1"})
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.PackagesDir(), release.FileName), []byte("lol not right"), 0o644))

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)

	lines := strings.Split(strings.TrimRight(f.localManifest(), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "NSync.Core.1.1.0.0-full.nupkg")

	data, err := os.ReadFile(filepath.Join(base, "app", "app-1.1.0.0", "NSync.Core.dll"))
	require.NoError(t, err)
	assert.Equal(t, "core 1.1", string(data))
}

func TestUpdateApp_Rollback(t *testing.T) {
	f := newFixture(t)
	v1 := testutil.WritePackage(t, f.fs, f.remoteDir, "MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})
	f.publish("MyApp.2.0.0-full.nupkg", map[string]string{"MyApp.exe": "v2"})

	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	// 2.0.0 gets pulled from the catalog
	f.published = []release.Entry{v1}
	testutil.WriteManifest(t, f.fs, f.remoteDir, v1)

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.Rollback, res.Plan.Kind)
	assert.Equal(t, map[string]string{"MyApp.exe": "v1"}, f.appTree("1.0.0"))
	assert.Equal(t, v1.String()+"\n", f.localManifest())
	assert.Equal(t, "1.0.0", f.recorder.installed)
}

func TestUpdateApp_AppliesDeltaChainInOrder(t *testing.T) {
	f := newFixture(t)
	v1 := map[string]string{"MyApp.exe": "version one of the app", "readme.txt": "hello", "old.txt": "gone soon"}
	v2 := map[string]string{"MyApp.exe": "version two of the app", "readme.txt": "hello", "old.txt": "gone soon"}
	v3 := map[string]string{"MyApp.exe": "version three of the app", "readme.txt": "hello", "new.txt": "added"}

	f.publish("MyApp.1.0.0-full.nupkg", v1)
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	f.publish("MyApp.1.1.0-full.nupkg", v2)
	f.publish("MyApp.1.1.0-delta.nupkg", testutil.DeltaPayload(v1, v2))
	target := f.publish("MyApp.1.2.0-full.nupkg", v3)
	f.publish("MyApp.1.2.0-delta.nupkg", testutil.DeltaPayload(v2, v3))

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	assert.Equal(t, reconcile.Update, res.Plan.Kind)
	assert.True(t, res.Plan.IsDeltaChain())
	assert.Equal(t, v3, f.appTree("1.2.0"))
	assert.Equal(t, target.String()+"\n", f.localManifest())
	// the initial full package plus two deltas
	assert.Equal(t, int32(3), f.dl.files.Load())
	assert.Equal(t, []string{release.FileName}, f.packageFiles())
	assert.Equal(t, []string{"app-1.0.0", "app-1.2.0", "packages"}, f.rootEntries())
}

func TestUpdateApp_DownloadsDeltaChainConcurrently(t *testing.T) {
	f := newFixture(t)
	v1 := map[string]string{"MyApp.exe": "version one of the app"}
	v2 := map[string]string{"MyApp.exe": "version two of the app"}
	v3 := map[string]string{"MyApp.exe": "version three of the app"}

	f.publish("MyApp.1.0.0-full.nupkg", v1)
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	overlap := &overlapDownloader{inner: f.dl.inner, delay: 50 * time.Millisecond}
	f.dl.inner = overlap

	f.publish("MyApp.1.1.0-full.nupkg", v2)
	f.publish("MyApp.1.1.0-delta.nupkg", testutil.DeltaPayload(v1, v2))
	f.publish("MyApp.1.2.0-full.nupkg", v3)
	f.publish("MyApp.1.2.0-delta.nupkg", testutil.DeltaPayload(v2, v3))

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Plan.IsDeltaChain())
	assert.GreaterOrEqual(t, overlap.peak.Load(), int32(2))
	assert.Equal(t, v3, f.appTree("1.2.0"))
}

func TestUpdateApp_PatchFailureLeavesInstallIntact(t *testing.T) {
	f := newFixture(t)
	v1 := map[string]string{"MyApp.exe": "version one of the app"}
	v2 := map[string]string{"MyApp.exe": "version two of the app"}

	f.publish("MyApp.1.0.0-full.nupkg", v1)
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	before := f.localManifest()

	f.publish("MyApp.1.1.0-full.nupkg", v2)
	f.publish("MyApp.1.1.0-delta.nupkg", testutil.DeltaPayload(v1, v2))
	f.publish("MyApp.1.2.0-full.nupkg", map[string]string{"MyApp.exe": "v3"})
	// built against a release that never shipped
	f.publish("MyApp.1.2.0-delta.nupkg", testutil.DeltaPayload(
		map[string]string{"Other.dll": "something else"},
		map[string]string{"Other.dll": "something new"},
	))

	_, err = f.mgr.UpdateApp(context.Background())
	require.Error(t, err)
	assert.True(t, IsInstallFailed(err), "got %v", err)
	assert.ErrorIs(t, err, delta.ErrPatchRejected)

	var ife *InstallFailedError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, "1.2.0", ife.Version)
	assert.Equal(t, "patch", ife.Stage)

	assert.Equal(t, before, f.localManifest())
	assert.Equal(t, v1, f.appTree("1.0.0"))
	assert.Equal(t, []string{"app-1.0.0", "packages"}, f.rootEntries())
	assert.Equal(t, metrics.ResultFailed, f.recorder.ops[len(f.recorder.ops)-1].result)
}

func TestUpdateApp_ExtractFailureLeavesInstallIntact(t *testing.T) {
	f := newFixture(t)
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	before := f.localManifest()

	f.publishRaw("MyApp.1.1.0-full.nupkg", []byte("this is not a zip archive"))

	_, err = f.mgr.UpdateApp(context.Background())
	require.Error(t, err)
	assert.True(t, IsInstallFailed(err), "got %v", err)
	assert.False(t, IsPackageIntegrity(err))

	var ife *InstallFailedError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, "1.1.0", ife.Version)
	assert.Equal(t, "extract", ife.Stage)

	assert.Equal(t, before, f.localManifest())
	assert.Equal(t, map[string]string{"MyApp.exe": "v1"}, f.appTree("1.0.0"))
	assert.Equal(t, []string{"app-1.0.0", "packages"}, f.rootEntries())
}

func TestUpdateApp_IntegrityFailure(t *testing.T) {
	f := newFixture(t)
	good := testutil.WritePackage(t, f.fs, f.remoteDir, "MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})
	bad, err := release.NewEntry(strings.Repeat("0", 40), good.Filename(), good.Size())
	require.NoError(t, err)
	testutil.WriteManifest(t, f.fs, f.remoteDir, bad)

	_, err = f.mgr.UpdateApp(context.Background())
	require.Error(t, err)
	assert.True(t, IsPackageIntegrity(err))

	var pi *PackageIntegrityError
	require.True(t, errors.As(err, &pi))
	assert.Equal(t, good.Filename(), pi.Filename)
	assert.True(t, strings.EqualFold(good.Hash(), pi.ActualHash))

	assert.Empty(t, f.packageFiles())
	assert.Equal(t, []string{"packages"}, f.rootEntries())
	assert.Equal(t, metrics.ResultFailed, f.recorder.ops[len(f.recorder.ops)-1].result)
}

func TestCheckForUpdate_RemoteManifestCorrupt(t *testing.T) {
	tests := []struct {
		name    string
		content *string
		target  error
	}{
		{name: "garbage", content: ptr("lol this isn't right")},
		{name: "empty", content: ptr(""), target: reconcile.ErrEmptyRemote},
		{name: "missing", target: download.ErrNotFound},
		{name: "foreign package", content: ptr("94689FEDE03FED7AB59C24337673A27837F0C3EC Other.1.0.0-full.nupkg 100\n")},
		{name: "latest without full package", content: ptr(
			"94689FEDE03FED7AB59C24337673A27837F0C3EC MyApp.1.0.0-full.nupkg 100\n" +
				"94689FEDE03FED7AB59C24337673A27837F0C3EC MyApp.1.1.0-delta.nupkg 100\n"),
			target: reconcile.ErrNoFullRelease,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.content != nil {
				require.NoError(t, f.fs.WriteFile(filepath.Join(f.remoteDir, release.FileName), []byte(*tt.content), 0o644))
			}

			_, err := f.mgr.CheckForUpdate(context.Background())
			require.Error(t, err)
			assert.True(t, IsRemoteManifestCorrupt(err), "got %v", err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}

			_, err = f.mgr.UpdateApp(context.Background())
			assert.True(t, IsRemoteManifestCorrupt(err), "got %v", err)

			exists, err := f.fs.Exists(f.cfg.App.RootDir)
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestCheckForUpdate_DoesNotWrite(t *testing.T) {
	f := newFixture(t)
	e := f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})

	res, err := f.mgr.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)
	assert.True(t, res.Plan.Target.Equal(e))
	assert.Nil(t, res.Installed)
	assert.Equal(t, int32(0), f.dl.files.Load())

	exists, err := f.fs.Exists(f.cfg.App.RootDir)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCheckForUpdate_DoesNotCreateRoot(t *testing.T) {
	base := t.TempDir()
	f := newFixtureOn(t, fsys.NewOS(), base, &lock.FileLocker{})
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})

	res, err := f.mgr.CheckForUpdate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)
	assert.NotEmpty(t, res.OperationID)

	_, err = os.Stat(f.cfg.App.RootDir)
	assert.True(t, os.IsNotExist(err), "got %v", err)

	_, err = f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(f.cfg.App.RootDir, lock.FileName))
	assert.NoError(t, err)
}

func TestUpdateApp_OperationInProgress(t *testing.T) {
	f := newFixture(t)
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})

	require.NoError(t, f.fs.MkdirAll(f.cfg.App.RootDir, 0o755))
	unlock, err := f.locker.Acquire(context.Background(), f.cfg.App.RootDir)
	require.NoError(t, err)

	_, err = f.mgr.UpdateApp(context.Background())
	assert.ErrorIs(t, err, ErrOperationInProgress)
	_, err = f.mgr.CheckForUpdate(context.Background())
	assert.ErrorIs(t, err, ErrOperationInProgress)
	assert.Equal(t, recordedOp{op: OpCheck, result: metrics.ResultBusy}, f.recorder.ops[len(f.recorder.ops)-1])
	assert.Equal(t, int32(0), f.dl.files.Load())

	unlock()
	_, err = f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
}

func TestUpdateApp_CanceledLeavesInstallIntact(t *testing.T) {
	f := newFixture(t)
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	before := f.localManifest()

	f.publish("MyApp.1.1.0-full.nupkg", map[string]string{"MyApp.exe": "v2"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dl.beforeFile = cancel

	_, err = f.mgr.UpdateApp(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, before, f.localManifest())
	assert.Equal(t, map[string]string{"MyApp.exe": "v1"}, f.appTree("1.0.0"))
	assert.Equal(t, []string{"app-1.0.0", "packages"}, f.rootEntries())
	assert.Equal(t, []string{"MyApp.1.0.0-full.nupkg", release.FileName}, f.packageFiles())
	assert.Equal(t, metrics.ResultCanceled, f.recorder.ops[len(f.recorder.ops)-1].result)
}

func TestFullInstall_ReinstallsFromCache(t *testing.T) {
	f := newFixture(t)
	e := f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})

	_, err := f.mgr.FullInstall(context.Background())
	require.NoError(t, err)

	// local edits are replaced by a full install
	require.NoError(t, f.fs.WriteFile(filepath.Join(f.cfg.AppDir("1.0.0"), "MyApp.exe"), []byte("tampered"), 0o644))

	res, err := f.mgr.FullInstall(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)
	assert.True(t, res.Installed.Equal(e))
	assert.Equal(t, map[string]string{"MyApp.exe": "v1"}, f.appTree("1.0.0"))
	assert.Equal(t, int32(1), f.dl.files.Load())
	assert.Equal(t, []string{"app-1.0.0", "packages"}, f.rootEntries())
}

func TestUpdateApp_MissingInstallDirectoryIsReinstalled(t *testing.T) {
	f := newFixture(t)
	f.publish("MyApp.1.0.0-full.nupkg", map[string]string{"MyApp.exe": "v1"})
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.fs.RemoveAll(f.cfg.AppDir("1.0.0")))

	res, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.FreshInstall, res.Plan.Kind)
	assert.Equal(t, map[string]string{"MyApp.exe": "v1"}, f.appTree("1.0.0"))
	// the cached package is reused
	assert.Equal(t, int32(1), f.dl.files.Load())
}

func TestUpdateApp_Housekeeping(t *testing.T) {
	f := newFixture(t)
	for _, v := range []string{"1.0.0", "1.1.0", "1.2.0"} {
		f.publish("MyApp."+v+"-full.nupkg", map[string]string{"MyApp.exe": v})
		_, err := f.mgr.UpdateApp(context.Background())
		require.NoError(t, err)
	}
	// leftovers of an interrupted run
	require.NoError(t, f.fs.MkdirAll(filepath.Join(f.cfg.App.RootDir, ".install-123"), 0o755))
	require.NoError(t, f.fs.WriteFile(filepath.Join(f.cfg.PackagesDir(), "MyApp.0.9.0-full.nupkg"), []byte("stale"), 0o644))

	f.publish("MyApp.1.3.0-full.nupkg", map[string]string{"MyApp.exe": "1.3.0"})
	_, err := f.mgr.UpdateApp(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"app-1.2.0", "app-1.3.0", "packages"}, f.rootEntries())
	assert.Equal(t, []string{"MyApp.1.3.0-full.nupkg", release.FileName}, f.packageFiles())
}

func TestUpdateApp_KeepsSingleVersion(t *testing.T) {
	f := newFixture(t)
	f.cfg.Install.KeepVersions = 1
	for _, v := range []string{"1.0.0", "1.1.0"} {
		f.publish("MyApp."+v+"-full.nupkg", map[string]string{"MyApp.exe": v})
		_, err := f.mgr.UpdateApp(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"app-1.1.0", "packages"}, f.rootEntries())
}

func ptr(s string) *string { return &s }
