//go:build integration

package tier1

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/relsyncd/internal/fsys"
	"github.com/schaermu/relsyncd/internal/testutil"
)

const (
	defaultTimeout = 5 * time.Minute
	releaseToken   = "tier1-token"
)

// Harness builds the relsyncd binary and runs it against a release server
// backed by a local directory.
type Harness struct {
	t           *testing.T
	dir         string
	binary      string
	releasesDir string
	rootDir     string
	configPath  string
	server      *httptest.Server
	fs          fsys.FileSystem
}

// NewHarness creates a new test harness in a fresh sandbox directory
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	dir := t.TempDir()
	return &Harness{
		t:           t,
		dir:         dir,
		binary:      filepath.Join(dir, "bin", "relsyncd"),
		releasesDir: filepath.Join(dir, "releases"),
		rootDir:     filepath.Join(dir, "app"),
		configPath:  filepath.Join(dir, "config.yaml"),
		fs:          fsys.NewOS(),
	}
}

// BuildBinary compiles relsyncd into the sandbox
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/relsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary %s built successfully", h.binary)
	return nil
}

// StartReleaseServer serves the releases directory over HTTP. Requests
// without the release token are rejected.
func (h *Harness) StartReleaseServer() {
	h.t.Helper()
	if err := os.MkdirAll(h.releasesDir, 0o755); err != nil {
		h.t.Fatalf("create releases dir: %v", err)
	}

	files := http.FileServer(http.Dir(h.releasesDir))
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+releaseToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		files.ServeHTTP(w, r)
	}))
	h.t.Cleanup(h.server.Close)
}

// WriteConfig writes a relsyncd config pointing at the release server
func (h *Harness) WriteConfig(appID string, keepVersions int) {
	h.t.Helper()

	tokenPath := filepath.Join(h.dir, "token")
	if err := os.WriteFile(tokenPath, []byte(releaseToken+"\n"), 0o600); err != nil {
		h.t.Fatalf("write token: %v", err)
	}

	config := fmt.Sprintf(`app:
  id: %s
  root_dir: %s

source:
  url: %s/
  token_file: %s

install:
  keep_versions: %d

retry:
  max_retries: 1
  initial_interval: 10ms
`, appID, h.rootDir, h.server.URL, tokenPath, keepVersions)

	if err := os.WriteFile(h.configPath, []byte(config), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}
}

// Publish adds a package to the releases directory and regenerates its
// RELEASES file with the binary
func (h *Harness) Publish(ctx context.Context, filename string, payload map[string]string) {
	h.t.Helper()
	testutil.WritePackage(h.t, h.fs, h.releasesDir, filename, payload)
	h.MustRun(ctx, "releases", "build", "--write", h.releasesDir)
}

// Unpublish removes a package and regenerates RELEASES
func (h *Harness) Unpublish(ctx context.Context, filename string) {
	h.t.Helper()
	if err := os.Remove(filepath.Join(h.releasesDir, filename)); err != nil {
		h.t.Fatalf("remove %s: %v", filename, err)
	}
	h.MustRun(ctx, "releases", "build", "--write", h.releasesDir)
}

// Run executes relsyncd with args
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes relsyncd and fails the test if it returns non-zero
func (h *Harness) MustRun(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// RunWithConfig executes a relsyncd command against the harness config
func (h *Harness) RunWithConfig(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, append(args, "--config", h.configPath)...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	return stdout, stderr, exitCode
}

// AppPath returns a path below the installation root
func (h *Harness) AppPath(elem ...string) string {
	return filepath.Join(append([]string{h.rootDir}, elem...)...)
}

// ReadFile reads a file below the installation root
func (h *Harness) ReadFile(elem ...string) (string, error) {
	data, err := os.ReadFile(h.AppPath(elem...))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile writes a file below the installation root
func (h *Harness) WriteFile(content string, elem ...string) {
	h.t.Helper()
	path := h.AppPath(elem...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// FileExists checks if a path below the installation root exists
func (h *Harness) FileExists(elem ...string) bool {
	_, err := os.Stat(h.AppPath(elem...))
	return err == nil
}

// ResetInstall removes the installation root
func (h *Harness) ResetInstall() {
	h.t.Helper()
	if err := os.RemoveAll(h.rootDir); err != nil {
		h.t.Fatalf("reset install: %v", err)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
