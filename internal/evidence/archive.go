package evidence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/msageha/taskexec/internal/config"
)

// Archiver copies local evidence files under a run prefix.
type Archiver interface {
	Archive(ctx context.Context, runID string, files map[string]string) error
}

// S3Archiver uploads to an S3-compatible bucket (MinIO, AWS S3).
type S3Archiver struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
}

func NewS3Archiver(cfg config.ArchiveConfig) (*S3Archiver, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, errors.New("archive access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive client: %w", err)
	}
	return &S3Archiver{client: client, bucket: bucket, region: region}, nil
}

func (a *S3Archiver) ensureBucket(ctx context.Context) error {
	a.initOnce.Do(func() {
		exists, err := a.client.BucketExists(ctx, a.bucket)
		if err != nil {
			a.initErr = err
			return
		}
		if !exists {
			a.initErr = a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region})
		}
	})
	return a.initErr
}

// Archive uploads files (object name -> local path) to <runID>/<name>.
func (a *S3Archiver) Archive(ctx context.Context, runID string, files map[string]string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("run_id is required")
	}
	if err := a.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	var errs []error
	for name, local := range files {
		key := ObjectKey(runID, name)
		if _, err := a.client.FPutObject(ctx, a.bucket, key, local, minio.PutObjectOptions{
			ContentType: contentType(local),
		}); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ObjectKey joins runID and a slash-separated relative name.
func ObjectKey(runID, name string) string {
	normalized := strings.TrimLeft(filepath.ToSlash(strings.TrimSpace(name)), "/")
	return strings.TrimSpace(runID) + "/" + normalized
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".log", ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
