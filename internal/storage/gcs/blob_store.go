// Package gcs archives engine output in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// Config names the archive bucket.
type Config struct {
	Bucket string
}

// BlobStore writes archived output objects. Archive names embed a digest of
// the output, so an object that already exists holds the same bytes and is
// never rewritten.
type BlobStore struct {
	bucket *storage.BucketHandle
	name   string
}

// New creates a GCS-backed blob store. The caller owns client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{bucket: client.Bucket(cfg.Bucket), name: cfg.Bucket}, nil
}

// PutObject uploads output under path and returns its gs:// URI. A repeat
// upload of an archived invocation resolves to the existing object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	uri := fmt.Sprintf("gs://%s/%s", s.name, path)

	w := s.bucket.Object(path).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	// Archived output is small; send it in one request.
	w.ChunkSize = 0
	w.ContentType = contentType

	_, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	switch {
	case alreadyArchived(copyErr) || alreadyArchived(closeErr):
		return uri, nil
	case copyErr != nil:
		return "", fmt.Errorf("upload %s: %w", path, copyErr)
	case closeErr != nil:
		return "", fmt.Errorf("finalize %s: %w", path, closeErr)
	}
	return uri, nil
}

func alreadyArchived(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
