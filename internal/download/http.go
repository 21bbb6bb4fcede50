package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// RetryPolicy controls retries of transient HTTP failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// HTTPDownloader fetches over http(s), retrying server errors and transport
// failures with exponential backoff.
type HTTPDownloader struct {
	client    *http.Client
	fs        fsys.FileSystem
	tokenFile string
	retry     RetryPolicy
}

// NewHTTP creates an HTTPDownloader writing into fs. When tokenFile is set
// its trimmed content is sent as a bearer token.
func NewHTTP(client *http.Client, fs fsys.FileSystem, tokenFile string, retry RetryPolicy) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{
		client:    client,
		fs:        fs,
		tokenFile: tokenFile,
		retry:     retry,
	}
}

func (d *HTTPDownloader) DownloadFile(ctx context.Context, url, dest string) error {
	return d.withRetry(ctx, func() error {
		return d.get(ctx, url, func(body io.Reader) error {
			_, err := writeStream(d.fs, dest, body)
			return err
		})
	})
}

func (d *HTTPDownloader) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := d.withRetry(ctx, func() error {
		return d.get(ctx, url, func(body io.Reader) error {
			var err error
			data, err = io.ReadAll(body)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (d *HTTPDownloader) get(ctx context.Context, url string, consume func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	if err := d.authorize(req); err != nil {
		return backoff.Permanent(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		// client errors will not go away by retrying
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(serr)
		}
		return serr
	}

	if err := consume(resp.Body); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	return nil
}

func (d *HTTPDownloader) authorize(req *http.Request) error {
	if d.tokenFile == "" {
		return nil
	}
	token, err := os.ReadFile(d.tokenFile)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	return nil
}

func (d *HTTPDownloader) withRetry(ctx context.Context, op backoff.Operation) error {
	b := backoff.NewExponentialBackOff()
	if d.retry.InitialInterval > 0 {
		b.InitialInterval = d.retry.InitialInterval
	}
	if d.retry.MaxInterval > 0 {
		b.MaxInterval = d.retry.MaxInterval
	}
	b.MaxElapsedTime = 0

	retries := d.retry.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}
