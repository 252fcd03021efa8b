// Package file provides an interprocess lock implementation backed by
// flock(2) lock files in a shared directory.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/aptforge/aptforge/pkg/lock"
)

const (
	backendName = "file"

	dirMode = 0o755
)

// ErrDirRequired is returned when no lock directory is configured.
var ErrDirRequired = fmt.Errorf("file.Locker: lock directory is required")

// Locker implements lock.Locker using one lock file per key under a
// configured directory. Keys are hashed so arbitrary strings map to safe
// file names.
type Locker struct {
	dir   string
	retry lock.RetryConfig

	mu    sync.Mutex
	flock map[string]*held
}

type held struct {
	fl        *flock.Flock
	startTime time.Time
}

// NewLocker creates a file locker storing lock files under dir, which is
// created if missing.
func NewLocker(dir string, retry lock.RetryConfig) (*Locker, error) {
	if dir == "" {
		return nil, ErrDirRequired
	}

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("error creating the lock directory %q: %w", dir, err)
	}

	return &Locker{
		dir:   dir,
		retry: retry,
		flock: make(map[string]*held),
	}, nil
}

func (l *Locker) path(key string) string {
	sum := sha256.Sum256([]byte(key))

	return filepath.Join(l.dir, hex.EncodeToString(sum[:16])+".lock")
}

// Lock acquires the lock for key, retrying with backoff until the context
// is done. The ttl parameter is ignored; the lock is held until Unlock or
// process exit.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	fl := flock.New(l.path(key))

	for attempt := 0; ; attempt++ {
		acquired, err := fl.TryLock()
		if err != nil {
			lock.RecordAcquisition(ctx, backendName, lock.ResultFailure)

			return fmt.Errorf("error acquiring the file lock for %q: %w", key, err)
		}

		if acquired {
			break
		}

		if l.retry.MaxAttempts > 0 && attempt+1 >= l.retry.MaxAttempts {
			lock.RecordAcquisition(ctx, backendName, lock.ResultContention)

			return fmt.Errorf("%w: %s", lock.ErrLockTimeout, key)
		}

		select {
		case <-ctx.Done():
			lock.RecordAcquisition(ctx, backendName, lock.ResultContention)

			return fmt.Errorf("error acquiring the file lock for %q: %w", key, ctx.Err())
		case <-time.After(l.retry.Backoff(attempt)):
		}
	}

	l.mu.Lock()
	l.flock[key] = &held{fl: fl, startTime: time.Now()}
	l.mu.Unlock()

	lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)

	return nil
}

// Unlock releases the lock for key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.flock[key]
	delete(l.flock, key)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("file.Locker: unlock of unknown key %q", key)
	}

	lock.RecordHoldDuration(ctx, backendName, time.Since(h.startTime).Seconds())

	if err := h.fl.Unlock(); err != nil {
		return fmt.Errorf("error releasing the file lock for %q: %w", key, err)
	}

	return nil
}

// TryLock attempts to acquire the lock for key without blocking.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	fl := flock.New(l.path(key))

	acquired, err := fl.TryLock()
	if err != nil {
		lock.RecordAcquisition(ctx, backendName, lock.ResultFailure)

		return false, fmt.Errorf("error acquiring the file lock for %q: %w", key, err)
	}

	if !acquired {
		lock.RecordAcquisition(ctx, backendName, lock.ResultContention)

		return false, nil
	}

	l.mu.Lock()
	l.flock[key] = &held{fl: fl, startTime: time.Now()}
	l.mu.Unlock()

	lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)

	return true, nil
}
