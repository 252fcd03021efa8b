// Package lock provides the named mutual exclusion used to guard metadata
// rebuilds.
//
// Locks are keyed per distribution so two distributions may rebuild
// concurrently while the same distribution never does. Backends range from
// in-process mutexes (single instance) over lock files (multiple processes
// on one host) to Redis with the Redlock algorithm (multiple hosts).
package lock

import (
	"context"
	"errors"
	"math"
	"time"

	mathrand "math/rand"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// backend's retry budget.
var ErrLockTimeout = errors.New("timed out acquiring the lock")

// Locker provides exclusive locking semantics keyed by name.
type Locker interface {
	// Lock acquires the exclusive lock for the given key with the given
	// TTL. Backends without lease semantics ignore the TTL. Acquisition
	// honors ctx cancellation.
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// Unlock releases the exclusive lock for the given key. It is safe to
	// call Unlock after a failed Lock, but it may return an error.
	Unlock(ctx context.Context, key string) error

	// TryLock attempts to acquire the lock without blocking. It returns
	// (true, nil) if the lock was acquired and (false, nil) if it is held
	// elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RetryConfig bounds lock acquisition retries for backends that poll.
type RetryConfig struct {
	// MaxAttempts is the maximum number of acquisition attempts.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// Jitter adds randomness to retry delays to avoid thundering herds.
	Jitter bool
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// Backoff returns the delay before the given 1-indexed retry attempt,
// growing exponentially from InitialDelay up to MaxDelay.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := c.InitialDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}

	if c.Jitter {
		//nolint:gosec // G404: jitter does not need crypto-grade randomness
		delay += time.Duration(mathrand.Float64() * float64(delay) / 2)
	}

	return delay
}
