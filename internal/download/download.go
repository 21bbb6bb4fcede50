// Package download fetches RELEASES files and packages from a release
// source. Sources are http(s) URLs, s3://bucket/prefix locations and local
// directories (file:// URLs or plain paths).
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// ErrNotFound is returned when the requested object does not exist at the
// source.
var ErrNotFound = errors.New("not found")

// Downloader fetches files from a release source.
type Downloader interface {
	// DownloadFile writes the object at url to dest, replacing any existing
	// file. On failure dest does not exist.
	DownloadFile(ctx context.Context, url, dest string) error
	// DownloadBytes returns the content of the object at url.
	DownloadBytes(ctx context.Context, url string) ([]byte, error)
}

// Join appends a file name to a source location.
func Join(source, name string) string {
	if isURL(source) {
		return strings.TrimRight(source, "/") + "/" + name
	}
	return filepath.Join(source, name)
}

// Router dispatches to a Downloader based on the URL scheme.
type Router struct {
	HTTP  Downloader
	S3    Downloader
	Local Downloader
}

func (r *Router) DownloadFile(ctx context.Context, url, dest string) error {
	d, err := r.pick(url)
	if err != nil {
		return err
	}
	return d.DownloadFile(ctx, url, dest)
}

func (r *Router) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	d, err := r.pick(url)
	if err != nil {
		return nil, err
	}
	return d.DownloadBytes(ctx, url)
}

func (r *Router) pick(raw string) (Downloader, error) {
	var d Downloader
	scheme := schemeOf(raw)
	switch scheme {
	case "http", "https":
		d = r.HTTP
	case "s3":
		d = r.S3
	case "", "file":
		d = r.Local
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", scheme)
	}
	if d == nil {
		return nil, fmt.Errorf("no downloader configured for %q", raw)
	}
	return d, nil
}

func isURL(s string) bool {
	return strings.Contains(s, "://")
}

func schemeOf(raw string) string {
	if !isURL(raw) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

// writeStream copies r into dest on fs. dest is removed if the copy fails.
func writeStream(fs fsys.FileSystem, dest string, r io.Reader) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	f, err := fs.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fs.Remove(dest)
		return n, fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return n, nil
}
