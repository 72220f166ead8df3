// Package blob stores rendered page images in S3-compatible object storage
// (MinIO) under a deterministic per-note path and supports best-effort bulk
// deletion by prefix for cleanup flows.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mynote-app/notepipe/pkg/config"
)

// Store wraps a MinIO client bound to a single bucket.
type Store struct {
	client        *minio.Client
	bucket        string
	publicBaseURL string
	logger        *slog.Logger
}

// New creates a Store from config. The bucket must already exist.
func New(cfg config.BlobConfig) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	base := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(client.EndpointURL().String(), "/")
	}
	return &Store{
		client:        client,
		bucket:        cfg.Bucket,
		publicBaseURL: base,
		logger:        slog.Default().With("component", "blob-store", "bucket", cfg.Bucket),
	}, nil
}

// PagePath returns the canonical object path for a note page image. The
// layout is relied upon by cleanup flows and URL re-derivation; do not
// change it.
func PagePath(ownerID, categoryID, noteID int64, pageNumber int, ext string) string {
	if ext == "" {
		ext = "png"
	}
	return fmt.Sprintf("users/%d/categories/%d/notes/%d/pages/%03d.%s",
		ownerID, categoryID, noteID, pageNumber, ext)
}

// NotePrefix returns the object prefix covering all of a note's pages.
func NotePrefix(ownerID, categoryID, noteID int64) string {
	return fmt.Sprintf("users/%d/categories/%d/notes/%d/", ownerID, categoryID, noteID)
}

// CategoryPrefix returns the object prefix covering a category's notes.
func CategoryPrefix(ownerID, categoryID int64) string {
	return fmt.Sprintf("users/%d/categories/%d/", ownerID, categoryID)
}

// UserPrefix returns the object prefix covering all of a user's objects.
func UserPrefix(ownerID int64) string {
	return fmt.Sprintf("users/%d/", ownerID)
}

// PutPage uploads one page image, overwriting any previous object at the same
// path. It returns the public URL and the internal locator.
func (s *Store) PutPage(ctx context.Context, ownerID, categoryID, noteID int64, pageNumber int, data []byte, contentType string) (publicURL, locator string, err error) {
	path := PagePath(ownerID, categoryID, noteID, pageNumber, extForContentType(contentType))
	_, err = s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("uploading page %d: %w", pageNumber, err)
	}
	locator = fmt.Sprintf("s3://%s/%s", s.bucket, path)
	publicURL = fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, path)
	s.logger.Debug("page uploaded", "path", path, "bytes", len(data))
	return publicURL, locator, nil
}

// DeleteByPrefix removes every object under prefix. Individual delete
// failures are logged, counted, and skipped; only listing errors are
// returned. The failed count lets callers surface partial cleanups.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (deleted, failed int, err error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objects {
		if obj.Err != nil {
			return deleted, failed, fmt.Errorf("listing prefix %s: %w", prefix, obj.Err)
		}
		if rmErr := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); rmErr != nil {
			failed++
			s.logger.Warn("object delete failed", "key", obj.Key, "error", rmErr)
			continue
		}
		deleted++
	}
	s.logger.Info("prefix delete finished", "prefix", prefix, "deleted", deleted, "failed", failed)
	return deleted, failed, nil
}

// Ping verifies the bucket is reachable, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func extForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	default:
		return "png"
	}
}
