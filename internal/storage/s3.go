package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Storage implements ObjectStorage for AWS S3.
type S3Storage struct {
	client     *s3.Client
	bucket     string
	maxRetries int
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	// Region is the AWS region for the S3 bucket.
	Region string
	// Endpoint is an optional custom endpoint (for MinIO, LocalStack, etc.).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
}

// NewS3Storage creates a new S3 storage client.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	return &S3Storage{
		client:     client,
		bucket:     bucket,
		maxRetries: 3,
	}, nil
}

// NewS3StorageWithClient creates a new S3 storage with a pre-configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string) *S3Storage {
	return &S3Storage{
		client:     client,
		bucket:     bucket,
		maxRetries: 3,
	}
}

// Upload uploads a file to S3.
func (s *S3Storage) Upload(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer file.Close()

	return s.retryWithBackoff(ctx, func() error {
		// Reset file position for retry
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}

		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
}

// Download downloads a file from S3.
func (s *S3Storage) Download(ctx context.Context, objectPath, localPath string) error {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return getErr
	})

	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	return nil
}

// Delete removes an object from S3. S3 deletes are idempotent, so deleting a
// missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})

	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	return nil
}

// Exists checks if an object exists in S3.
func (s *S3Storage) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})

	return exists, err
}

// ListObjects returns all object paths under the given prefix.
func (s *S3Storage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}

	return objects, nil
}

// retryWithBackoff executes the operation with exponential backoff retry.
func (s *S3Storage) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// Don't retry on not found errors
		if errors.Is(lastErr, ErrObjectNotFound) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
