// Package s3 provides a BlobStore backed by Amazon S3 or an S3-compatible service.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config selects the bucket and, optionally, overrides the default AWS chain.
type Config struct {
	Bucket string
	Prefix string
	// Region to use for requests, e.g. "us-east-1". Empty falls back to AWS defaults.
	Region string
	// Profile selects a named shared config profile.
	Profile string
	// Endpoint targets an S3-compatible service such as MinIO.
	Endpoint string
	// UsePathStyle forces path-style addressing.
	UsePathStyle bool
}

// PutObjectAPI is the slice of the S3 client the store uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BlobStore writes artifacts to an S3 bucket.
type BlobStore struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New loads the AWS configuration chain and returns a BlobStore.
func New(ctx context.Context, cfg Config) (*BlobStore, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg)
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client PutObjectAPI, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("export.s3.bucket is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// PutObject uploads r and returns an s3:// URI.
func (s *BlobStore) PutObject(ctx context.Context, p string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path is required")
	}
	key := strings.TrimLeft(p, "/")
	if s.prefix != "" {
		key = path.Join(s.prefix, key)
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
