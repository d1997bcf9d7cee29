// Package archival optionally mirrors a completed job's artifacts to S3.
// It is only active when a bucket is configured; callers treat a nil
// Archiver or a disabled one as "no archival configured" rather than an
// error.
package archival

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver uploads a local artifact file to durable object storage.
type Archiver interface {
	Archive(ctx context.Context, localPath, key string) error
}

// S3Client is the subset of *s3.Client this package depends on, so tests can
// substitute a fake.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads artifacts to a configured S3 bucket.
type S3Archiver struct {
	client S3Client
	bucket string
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3Archiver builds an S3Archiver from ambient AWS credentials/region
// configuration. Returns an error only if the SDK config itself cannot load;
// bucket emptiness is the caller's signal to skip archival entirely.
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archival: failed to load AWS config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive reads localPath and uploads it to the configured bucket under key.
func (a *S3Archiver) Archive(ctx context.Context, localPath, key string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("archival: failed to read %s: %w", localPath, err)
	}

	contentType := contentTypeFor(localPath)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archival: failed to upload %s: %w", key, err)
	}
	return nil
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
