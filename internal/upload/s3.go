package upload

import (
	"context"
	"fmt"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"capturedeck/internal/config"
)

// S3Dispatcher uploads artifacts to an S3-compatible object store under a
// key namespaced by session id.
type S3Dispatcher struct {
	client *minio.Client
	bucket string
}

func NewS3Dispatcher(cfg config.UploadConfig) (*S3Dispatcher, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3Dispatcher{
		client: client,
		bucket: cfg.S3Bucket,
	}, nil
}

func (d *S3Dispatcher) Upload(ctx context.Context, artifactPath, sessionID string) (string, error) {
	key := path.Join(sessionID, path.Base(artifactPath))
	_, err := d.client.FPutObject(ctx, d.bucket, key, artifactPath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return "", &Error{Backend: "s3", Cause: errors.Wrapf(err, "put %s", key)}
	}
	return fmt.Sprintf("s3://%s/%s", d.bucket, key), nil
}
