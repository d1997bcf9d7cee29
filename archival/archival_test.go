package archival

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3Client struct {
	calls []*s3.PutObjectInput
}

func (f *fakeS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls = append(f.calls, params)
	return &s3.PutObjectOutput{}, nil
}

func TestArchiveUploadsWithContentType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thumb.webp")
	if err := os.WriteFile(path, []byte("fake-webp"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	client := &fakeS3Client{}
	a := &S3Archiver{client: client, bucket: "my-bucket"}

	if err := a.Archive(context.Background(), path, "images/job-1_thumb.webp"); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("expected one PutObject call, got %d", len(client.calls))
	}
	if *client.calls[0].ContentType != "image/webp" {
		t.Errorf("expected image/webp content type, got %s", *client.calls[0].ContentType)
	}
	if *client.calls[0].Bucket != "my-bucket" {
		t.Errorf("expected bucket my-bucket, got %s", *client.calls[0].Bucket)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"x.webp": "image/webp",
		"x.png":  "image/png",
		"x.mp4":  "video/mp4",
		"x.bin":  "application/octet-stream",
	}
	for path, want := range tests {
		if got := contentTypeFor(path); got != want {
			t.Errorf("contentTypeFor(%q) = %q, want %q", path, got, want)
		}
	}
}
