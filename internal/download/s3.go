package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/schaermu/relsyncd/internal/fsys"
)

// ObjectGetter is the subset of the S3 API the downloader needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Downloader fetches s3://bucket/key objects.
type S3Downloader struct {
	client ObjectGetter
	fs     fsys.FileSystem
}

// NewS3 creates an S3Downloader using the default AWS credential chain.
func NewS3(ctx context.Context, region string, maxRetries int, fs fsys.FileSystem) (*S3Downloader, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if maxRetries > 0 {
		cfg.RetryMaxAttempts = maxRetries + 1
	}
	return NewS3WithClient(s3.NewFromConfig(cfg), fs), nil
}

// NewS3WithClient creates an S3Downloader around an existing client.
func NewS3WithClient(client ObjectGetter, fs fsys.FileSystem) *S3Downloader {
	return &S3Downloader{client: client, fs: fs}
}

func (d *S3Downloader) DownloadFile(ctx context.Context, url, dest string) error {
	body, err := d.open(ctx, url)
	if err != nil {
		return err
	}
	defer func() {
		_ = body.Close()
	}()
	_, err = writeStream(d.fs, dest, body)
	return err
}

func (d *S3Downloader) DownloadBytes(ctx context.Context, url string) ([]byte, error) {
	body, err := d.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return data, nil
}

func (d *S3Downloader) open(ctx context.Context, raw string) (io.ReadCloser, error) {
	bucket, key, err := ParseS3URL(raw)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%s: %w", raw, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", raw, err)
	}
	return out.Body, nil
}

// ParseS3URL splits s3://bucket/key into its parts.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 URL %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: expected s3://bucket/key", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("invalid S3 URL %q: missing key", raw)
	}
	return u.Host, key, nil
}
