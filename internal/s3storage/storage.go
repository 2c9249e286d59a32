// Package s3storage archives permanently stored uploads into a MinIO/S3
// bucket.
package s3storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage wraps the MinIO client for the archive bucket.
type Storage struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client.
func New(endpoint, accessKey, secretKey, bucket, region string, useSSL bool) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{client: client, bucket: bucket, region: region}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// UploadFile streams a local file into the bucket under objectKey.
func (s *Storage) UploadFile(ctx context.Context, objectKey, path string) error {
	if _, err := s.client.FPutObject(ctx, s.bucket, objectKey, path, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("upload object: %w", err)
	}
	return nil
}

// PresignURL returns a signed GET URL for an archived object.
func (s *Storage) PresignURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectKey, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return u.String(), nil
}
