// Package gcs stores workflow exports in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
)

// Exports are small JSON documents; a single-request upload avoids the
// writer's default 16 MiB buffer.
const uploadChunkSize = 0

// Config selects the bucket and object prefix.
type Config struct {
	Bucket string
	// Prefix is prepended to every object path.
	Prefix string
}

// objectWriter is the part of *storage.Writer the store uses.
type objectWriter interface {
	io.Writer
	Close() error
}

type openFunc func(ctx context.Context, bucket, name string, attrs storage.ObjectAttrs) objectWriter

// BlobStore writes export artifacts to a bucket.
type BlobStore struct {
	open   openFunc
	bucket string
	prefix string
}

// New creates a store that uploads through client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	return newStore(func(ctx context.Context, bucket, name string, attrs storage.ObjectAttrs) objectWriter {
		w := client.Bucket(bucket).Object(name).NewWriter(ctx)
		w.ContentType = attrs.ContentType
		w.Metadata = attrs.Metadata
		w.ChunkSize = uploadChunkSize
		return w
	}, cfg)
}

func newStore(open openFunc, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("export.gcs.bucket is required")
	}
	return &BlobStore{
		open:   open,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName resolves the object name for a store-relative path.
func (s *BlobStore) ObjectName(p string) string {
	p = strings.TrimLeft(p, "/")
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// PutObject uploads r and returns a gs:// URI. The object only becomes
// visible once the writer closes cleanly.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	name := s.ObjectName(p)
	w := s.open(ctx, s.bucket, name, storage.ObjectAttrs{
		ContentType: contentType,
		Metadata:    map[string]string{"generator": "nowhow"},
	})
	if _, err := io.Copy(w, r); err != nil {
		return "", errors.Join(fmt.Errorf("upload %s: %w", name, err), w.Close())
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
