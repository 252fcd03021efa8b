// Package s3 implements storage.Store on any S3-compatible object store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aptforge/aptforge/pkg/storage"
)

// s3NoSuchKey is the S3 error code for objects that don't exist.
const s3NoSuchKey = "NoSuchKey"

var (
	// ErrEndpointRequired is returned if the S3 endpoint is empty.
	ErrEndpointRequired = errors.New("S3 endpoint is required")

	// ErrEndpointMissingScheme is returned if the S3 endpoint has no scheme.
	ErrEndpointMissingScheme = errors.New("S3 endpoint must include scheme (http:// or https://)")

	// ErrBucketRequired is returned if the S3 bucket name is empty.
	ErrBucketRequired = errors.New("S3 bucket is required")

	// ErrBucketNotFound is returned if the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)

// Config holds the settings for connecting to an S3-compatible store.
type Config struct {
	// Endpoint is the S3 endpoint URL, including the scheme.
	Endpoint string

	// Bucket is the name of the bucket holding the package files.
	Bucket string

	// Region is the optional S3 region.
	Region string

	// AccessKeyID and SecretAccessKey are the static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style bucket addressing, required by most
	// non-AWS S3 implementations.
	ForcePathStyle bool
}

// Store keeps package files in an S3 bucket and implements storage.Store.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates an S3 store and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, ErrEndpointRequired
	}

	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("error parsing the S3 endpoint %q: %w", cfg.Endpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrEndpointMissingScheme, cfg.Endpoint)
	}

	bucketLookup := minio.BucketLookupAuto
	if cfg.ForcePathStyle {
		bucketLookup = minio.BucketLookupPath
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       cfg.Region,
		BucketLookup: bucketLookup,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the S3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("error checking the bucket %q: %w", cfg.Bucket, err)
	}

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrBucketNotFound, cfg.Bucket)
	}

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// PutFile stores the file read from body under path. S3 object writes are
// atomic on commit so partial uploads are never visible.
func (s *Store) PutFile(ctx context.Context, path string, body io.Reader) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, objectKey(path), body, -1, minio.PutObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("error uploading %q to S3: %w", path, err)
	}

	return info.Size, nil
}

// GetFile returns the file stored at path.
// NOTE: The caller must close the returned io.ReadCloser!
func (s *Store) GetFile(ctx context.Context, path string) (int64, io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(path), minio.GetObjectOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("error getting %q from S3: %w", path, err)
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()

		if minio.ToErrorResponse(err).Code == s3NoSuchKey {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stat'ing %q in S3: %w", path, err)
	}

	return info.Size, obj, nil
}

// HasFile returns true if the bucket has an object at path.
func (s *Store) HasFile(ctx context.Context, path string) bool {
	_, err := s.client.StatObject(ctx, s.bucket, objectKey(path), minio.StatObjectOptions{})

	return err == nil
}

// DeleteFile removes the object at path; a missing object is not an error.
func (s *Store) DeleteFile(ctx context.Context, path string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(path), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != s3NoSuchKey {
		return fmt.Errorf("error deleting %q from S3: %w", path, err)
	}

	return nil
}

func objectKey(path string) string {
	return strings.TrimPrefix(path, "/")
}
