package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient stores finished deploy logs in a single bucket.
type MinIOClient struct {
	client     *minio.Client
	bucketName string
}

func NewMinIOClient(ctx context.Context, endPoint, accessKey, secretKey, bucketName string, secure bool) (*MinIOClient, error) {
	client, err := minio.New(endPoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: new client: %w", err)
	}

	// Create bucket if it doesn't exist
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("minio: check bucket %s: %w", bucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio: create bucket %s: %w", bucketName, err)
		}
	}

	return &MinIOClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// PutLog uploads a plain-text log under objectKey, replacing any previous one.
func (m *MinIOClient) PutLog(ctx context.Context, objectKey string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucketName, objectKey,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return fmt.Errorf("minio: put %s: %w", objectKey, err)
	}
	return nil
}

// PresignedGetURL returns a time-limited download link for objectKey.
func (m *MinIOClient) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucketName, objectKey, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("minio: presign %s: %w", objectKey, err)
	}
	return url.String(), nil
}
