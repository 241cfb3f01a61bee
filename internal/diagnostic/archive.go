package diagnostic

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/psantana5/jobwatch/internal/monitor"
)

const defaultBucket = "jobwatch-reports"

// ArchiveConfig points at an S3-compatible bucket
type ArchiveConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Prefix    string
}

// MinioArchiver uploads reports with minio-go
type MinioArchiver struct {
	client *minio.Client
	bucket string
	prefix string
	now    func() time.Time

	mu          sync.Mutex
	bucketReady bool
}

// NewMinioArchiver creates the client. No request is made until the
// first upload.
func NewMinioArchiver(cfg ArchiveConfig) (*MinioArchiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive client: %w", err)
	}

	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = defaultBucket
	}
	return &MinioArchiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    time.Now,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet
func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bucketReady {
		return nil
	}

	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", a.bucket, err)
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", a.bucket, err)
		}
	}
	a.bucketReady = true
	return nil
}

// ObjectName is the key a report is stored under. Each upload gets its own
// key so earlier versions of a node's report are kept.
func (a *MinioArchiver) ObjectName(node monitor.Node, t time.Time) string {
	name := fmt.Sprintf("host_%d_%s/%s_diagnostic.txt", node.Rank, node.Host, t.UTC().Format("20060102T150405.000Z"))
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

// Upload stores localPath and returns its s3 location
func (a *MinioArchiver) Upload(ctx context.Context, node monitor.Node, localPath string) (string, error) {
	if err := a.EnsureBucket(ctx); err != nil {
		return "", err
	}

	object := a.ObjectName(node, a.now())
	_, err := a.client.FPutObject(ctx, a.bucket, object, localPath, minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", object, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, object), nil
}
