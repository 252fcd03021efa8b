// Package metacache caches generated repository metadata blobs (Packages,
// Packages.gz, Release, Release signature) under path-like logical keys.
//
// Entries have no intrinsic expiry; the repository engine invalidates them
// explicitly on every mutating operation and regenerates them on the next
// read. A miss for any metadata key triggers a full rebuild for the
// distribution because the Packages hashes are embedded in the signed
// Release file.
package metacache

import (
	"context"
	"errors"
)

// ErrMiss is returned by Get when the key is not cached.
var ErrMiss = errors.New("cache miss")

// Cache is the metadata cache contract.
type Cache interface {
	// Get returns the cached blob for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the blob under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// DeleteMany removes all given keys; missing keys are ignored.
	DeleteMany(ctx context.Context, keys []string) error
}
