// Package objstore provides S3-compatible object storage for media assets.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Opts holds configuration options for object storage.
type Opts struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Option defines a configuration option for object storage.
type Option func(*Opts)

// WithEndpoint sets the S3-compatible endpoint (host:port or URL).
func WithEndpoint(endpoint string) Option {
	return func(o *Opts) { o.Endpoint = endpoint }
}

// WithCredentials sets the access key pair.
func WithCredentials(accessKey, secretKey string) Option {
	return func(o *Opts) {
		o.AccessKey = accessKey
		o.SecretKey = secretKey
	}
}

// WithBucket sets the target bucket.
func WithBucket(bucket string) Option {
	return func(o *Opts) { o.Bucket = bucket }
}

// Storage uploads media files and issues presigned download links.
type Storage struct {
	client *minio.Client
	bucket string
}

// NewStorage creates object storage based on provided options, falling back
// to the OBJSTORE_ENDPOINT, OBJSTORE_ACCESS_KEY, OBJSTORE_SECRET_KEY and
// OBJSTORE_BUCKET environment variables.
func NewStorage(opts ...Option) (*Storage, error) {
	cfg := Opts{UseSSL: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = os.Getenv("OBJSTORE_ENDPOINT")
	}
	if cfg.AccessKey == "" {
		cfg.AccessKey = os.Getenv("OBJSTORE_ACCESS_KEY")
		cfg.SecretKey = os.Getenv("OBJSTORE_SECRET_KEY")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = os.Getenv("OBJSTORE_BUCKET")
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		slog.Error("Storage endpoint or bucket not set")
		return nil, fmt.Errorf("object storage endpoint and bucket must be set")
	}

	endpoint := cfg.Endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid object storage endpoint %q: %w", endpoint, err)
		}
		cfg.UseSSL = u.Scheme == "https"
		endpoint = u.Host
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		slog.Error("Failed to create object storage client", "error", err, "endpoint", endpoint)
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	slog.Debug("Storage.NewStorage: created client", "endpoint", endpoint, "bucket", cfg.Bucket, "ssl", cfg.UseSSL)
	return &Storage{client: client, bucket: cfg.Bucket}, nil
}

// UploadFile uploads a local file under the given key.
func (s *Storage) UploadFile(ctx context.Context, path, key, contentType string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		slog.Error("Storage.UploadFile failed", "error", err, "key", key)
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	slog.Debug("Storage.UploadFile succeeded", "key", key, "contentType", contentType)
	return nil
}

// SignedURL returns a presigned download link for the given key.
func (s *Storage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		slog.Error("Storage.SignedURL failed", "error", err, "key", key)
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

// HashFile returns the hex SHA-256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSize returns a file's size in bytes.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}
