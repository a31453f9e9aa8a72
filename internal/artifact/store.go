// Package artifact stores generated export files in an S3-compatible
// bucket and hands out presigned download links.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const linkTTL = 24 * time.Hour

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the S3-compatible endpoint and ensures the bucket
// exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

// Upload stores data under objectName and returns a presigned download
// URL valid for 24 hours.
func (s *Store) Upload(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectName, err)
	}

	params := make(url.Values)
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", objectName))
	link, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, linkTTL, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	return link.String(), nil
}
