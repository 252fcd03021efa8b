// Package local provides an in-process lock implementation with true
// per-key semantics. It is suitable when exactly one process mutates the
// repository.
package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aptforge/aptforge/pkg/lock"
)

const backendName = "local"

// ErrUnlockUnknownKey is returned when unlocking a key that is not locked.
var ErrUnlockUnknownKey = fmt.Errorf("local.Locker: unlock of unknown key")

// Locker implements lock.Locker using a map of per-key mutexes.
// Ref-counting cleans up mutexes once no goroutine uses them.
type Locker struct {
	mu      sync.Mutex
	lockers map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refCount  int
	startTime time.Time
}

// NewLocker creates a new local locker.
func NewLocker() *Locker {
	return &Locker{lockers: make(map[string]*keyLock)}
}

// getLock returns the lock for the given key, creating it if needed, and
// increments its reference count.
func (l *Locker) getLock(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.lockers[key]
	if !ok {
		kl = &keyLock{}
		l.lockers[key] = kl
	}

	kl.refCount++

	return kl
}

// releaseLock decrements the reference count and drops the lock from the
// map once unused.
func (l *Locker) releaseLock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl := l.lockers[key]

	kl.refCount--
	if kl.refCount == 0 {
		delete(l.lockers, key)
	}
}

// Lock acquires an exclusive lock for key, waiting until the lock is free
// or ctx is cancelled. The ttl parameter is ignored.
func (l *Locker) Lock(ctx context.Context, key string, _ time.Duration) error {
	kl := l.getLock(key)

	if !kl.TryLock() {
		acquired := make(chan struct{})

		go func() {
			kl.Lock()
			close(acquired)
		}()

		select {
		case <-acquired:
		case <-ctx.Done():
			// The goroutine above may still win the mutex later; hand the
			// lock straight back once it does.
			go func() {
				<-acquired

				kl.Unlock()
				l.releaseLock(key)
			}()

			lock.RecordAcquisition(ctx, backendName, lock.ResultFailure)

			return ctx.Err()
		}
	}

	kl.startTime = time.Now()

	lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)

	return nil
}

// Unlock releases the exclusive lock for key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.lockers[key]
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnlockUnknownKey, key)
	}

	if !kl.startTime.IsZero() {
		lock.RecordHoldDuration(ctx, backendName, time.Since(kl.startTime).Seconds())

		kl.startTime = time.Time{}
	}

	kl.Unlock()
	l.releaseLock(key)

	return nil
}

// TryLock attempts to acquire the lock for key without blocking.
func (l *Locker) TryLock(ctx context.Context, key string, _ time.Duration) (bool, error) {
	kl := l.getLock(key)

	acquired := kl.TryLock()

	if acquired {
		kl.startTime = time.Now()

		lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)
	} else {
		lock.RecordAcquisition(ctx, backendName, lock.ResultContention)
		l.releaseLock(key)
	}

	return acquired, nil
}
