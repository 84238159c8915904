package backend

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"stash/internal/stash"
)

// ObjectBackend stores archives in any S3-compatible endpoint (MinIO,
// Ceph, a self-hosted gateway) through the minio client. Synchronous,
// like the native S3 backend.
type ObjectBackend struct {
	client *minio.Client
	bucket string
	logger stash.Logger
}

var _ stash.Backend = (*ObjectBackend)(nil)

// NewObjectBackend builds a backend against the given endpoint and
// bucket with static credentials.
func NewObjectBackend(endpoint, accessKey, secretKey, bucket string, secure bool, logger stash.Logger) (*ObjectBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client for %s: %w", endpoint, err)
	}

	return &ObjectBackend{
		client: client,
		bucket: bucket,
		logger: logger,
	}, nil
}

// Upload stores the local file under key.
func (b *ObjectBackend) Upload(key, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	body := newProgressReader(file, info.Size(), func(percent int) {
		b.logger.Info("uploading", "key", key, "percent", percent)
	})

	_, err = b.client.PutObject(context.Background(), b.bucket, key, body, info.Size(), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("uploading %s to %s: %w", key, b.bucket, err)
	}
	return nil
}

// Download streams the object at key. A missing key fails with
// stash.ErrNotFound.
func (b *ObjectBackend) Download(key string) (io.ReadCloser, error) {
	obj, err := b.client.GetObject(context.Background(), b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("downloading %s from %s: %w", key, b.bucket, err)
	}

	// GetObject is lazy; Stat forces the first request so a missing key
	// surfaces here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s: %w", key, stash.ErrNotFound)
		}
		return nil, fmt.Errorf("downloading %s from %s: %w", key, b.bucket, err)
	}
	return obj, nil
}

// List returns all keys in the bucket.
func (b *ObjectBackend) List() ([]string, error) {
	keys := []string{}
	for obj := range b.client.ListObjects(context.Background(), b.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing %s: %w", b.bucket, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete removes the object at key. Deleting a missing key succeeds.
func (b *ObjectBackend) Delete(key string) error {
	err := b.client.RemoveObject(context.Background(), b.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("deleting %s from %s: %w", key, b.bucket, err)
	}
	return nil
}
