package download

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// LocalDownloader copies files from a directory source. src is the
// filesystem the source lives on, dst the one packages are written to.
type LocalDownloader struct {
	src fsys.FileSystem
	dst fsys.FileSystem
}

// NewLocal creates a LocalDownloader.
func NewLocal(src, dst fsys.FileSystem) *LocalDownloader {
	return &LocalDownloader{src: src, dst: dst}
}

func (d *LocalDownloader) DownloadFile(ctx context.Context, raw, dest string) error {
	path, err := localPath(raw)
	if err != nil {
		return err
	}
	in, err := d.src.Open(path)
	if err != nil {
		return wrapLocal(path, err)
	}
	defer func() {
		_ = in.Close()
	}()
	_, err = writeStream(d.dst, dest, &ctxReader{ctx: ctx, r: in})
	return err
}

func (d *LocalDownloader) DownloadBytes(ctx context.Context, raw string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := localPath(raw)
	if err != nil {
		return nil, err
	}
	data, err := d.src.ReadFile(path)
	if err != nil {
		return nil, wrapLocal(path, err)
	}
	return data, nil
}

func localPath(raw string) (string, error) {
	if !isURL(raw) {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid file URL %q: %w", raw, err)
	}
	if u.Path == "" {
		return "", fmt.Errorf("invalid file URL %q: missing path", raw)
	}
	return u.Path, nil
}

func wrapLocal(path string, err error) error {
	if fsys.IsNotExist(err) {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return fmt.Errorf("failed to read %s: %w", path, err)
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
