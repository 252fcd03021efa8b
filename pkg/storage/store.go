// Package storage defines the content-addressed store holding the uploaded
// package files referenced by the repository metadata.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned if the requested file is not in the store.
var ErrNotFound = errors.New("not found")

// Store represents a store capable of holding package files under relative
// paths.
type Store interface {
	// PutFile stores the file read from body under the given relative
	// path, replacing any existing file at that path. The write is atomic:
	// readers never observe a partially written file.
	PutFile(ctx context.Context, path string, body io.Reader) (int64, error)

	// GetFile returns the file stored at the given relative path.
	// NOTE: The caller must close the returned io.ReadCloser!
	GetFile(ctx context.Context, path string) (int64, io.ReadCloser, error)

	// HasFile returns true if the store has a file at the given relative path.
	HasFile(ctx context.Context, path string) bool

	// DeleteFile removes the file at the given relative path. Deleting a
	// path that does not exist is not an error.
	DeleteFile(ctx context.Context, path string) error
}
