package archive

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// S3 stores archives in an S3-compatible bucket under <nels_id>/<path>.
type S3 struct {
	client *minio.Client
	bucket string
	logger *zap.SugaredLogger
}

// NewS3 creates the S3 backend.
func NewS3(endpoint, accessKey, secretKey, bucket string, useSSL bool, logger *zap.SugaredLogger) (*S3, error) {
	client, err := minio.New(strings.TrimSpace(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return &S3{client: client, bucket: bucket, logger: logger}, nil
}

func (s *S3) Push(ctx context.Context, nelsID int64, local, remote string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
		}
	}

	object := objectName(nelsID, remote)
	info, err := s.client.FPutObject(ctx, s.bucket, object, local, minio.PutObjectOptions{ContentType: "application/gzip"})
	if err != nil {
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", local, s.bucket, object, err)
	}
	s.logger.Debugf("Uploaded %d bytes to s3://%s/%s", info.Size, s.bucket, object)
	return nil
}

func (s *S3) Pull(ctx context.Context, nelsID int64, remote, local string) error {
	object := objectName(nelsID, remote)
	if err := s.client.FGetObject(ctx, s.bucket, object, local, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", s.bucket, object, err)
	}
	return nil
}
