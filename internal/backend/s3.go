package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"stash/internal/stash"
)

// S3Backend stores archives as private objects in an S3 bucket.
// Objects are immediately retrievable, so Download never reports a
// pending retrieval.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   stash.Logger
}

var _ stash.Backend = (*S3Backend)(nil)

// NewS3Backend builds a backend against the given bucket with static
// credentials.
func NewS3Backend(accessKey, secretKey, region, bucket string, logger stash.Logger) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		// Sequential parts so the progress reader sees bytes in order.
		u.Concurrency = 1
	})

	return &S3Backend{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		logger:   logger,
	}, nil
}

// Upload stores the local file under key.
func (b *S3Backend) Upload(key, localPath string) error {
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

	_, err = b.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
		ACL:    types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("uploading %s to s3://%s: %w", key, b.bucket, err)
	}
	return nil
}

// Download streams the object at key. A missing key fails with
// stash.ErrNotFound.
func (b *S3Backend) Download(key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", key, stash.ErrNotFound)
		}
		return nil, fmt.Errorf("downloading %s from s3://%s: %w", key, b.bucket, err)
	}
	return out.Body, nil
}

// List returns all keys in the bucket.
func (b *S3Backend) List() ([]string, error) {
	keys := []string{}

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s: %w", b.bucket, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete removes the object at key. Deleting a missing key succeeds.
func (b *S3Backend) Delete(key string) error {
	_, err := b.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s from s3://%s: %w", key, b.bucket, err)
	}
	return nil
}
