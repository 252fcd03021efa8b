// Package redis provides a distributed lock implementation backed by
// Redis via the redsync algorithm. Use it when several hosts publish to
// the same repository.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"

	"github.com/aptforge/aptforge/pkg/lock"
)

const backendName = "redis"

// Config holds the connection settings for the Redis locker.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	// KeyPrefix namespaces lock keys so several deployments can share one
	// Redis instance.
	KeyPrefix string
}

// Locker implements lock.Locker using redsync mutexes.
type Locker struct {
	client *goredislib.Client
	rs     *redsync.Redsync
	prefix string
	retry  lock.RetryConfig

	mu    sync.Mutex
	held  map[string]*heldMutex
}

type heldMutex struct {
	mutex     *redsync.Mutex
	startTime time.Time
}

// NewLocker creates a Redis-backed locker and verifies connectivity.
func NewLocker(ctx context.Context, cfg Config, retry lock.RetryConfig) (*Locker, error) {
	client := goredislib.NewClient(&goredislib.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to redis at %q: %w", cfg.Addr, err)
	}

	return &Locker{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		prefix: cfg.KeyPrefix,
		retry:  retry,
		held:   make(map[string]*heldMutex),
	}, nil
}

func (l *Locker) name(key string) string { return l.prefix + key }

func (l *Locker) newMutex(key string, ttl time.Duration, tries int) *redsync.Mutex {
	opts := []redsync.Option{redsync.WithTries(tries)}
	if ttl > 0 {
		opts = append(opts, redsync.WithExpiry(ttl))
	}

	return l.rs.NewMutex(l.name(key), opts...)
}

// Lock acquires the distributed lock for key. The lock expires after ttl
// unless released earlier, so a crashed holder cannot block publication
// forever.
func (l *Locker) Lock(ctx context.Context, key string, ttl time.Duration) error {
	mutex := l.newMutex(key, ttl, l.retry.MaxAttempts)

	if err := mutex.LockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			lock.RecordAcquisition(ctx, backendName, lock.ResultContention)

			return fmt.Errorf("%w: %s", lock.ErrLockTimeout, key)
		}

		lock.RecordAcquisition(ctx, backendName, lock.ResultFailure)

		return fmt.Errorf("error acquiring the redis lock for %q: %w", key, err)
	}

	l.mu.Lock()
	l.held[key] = &heldMutex{mutex: mutex, startTime: time.Now()}
	l.mu.Unlock()

	lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)

	return nil
}

// Unlock releases the distributed lock for key.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	h, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("redis.Locker: unlock of unknown key %q", key)
	}

	lock.RecordHoldDuration(ctx, backendName, time.Since(h.startTime).Seconds())

	if _, err := h.mutex.UnlockContext(ctx); err != nil {
		return fmt.Errorf("error releasing the redis lock for %q: %w", key, err)
	}

	return nil
}

// TryLock attempts a single acquisition of the lock for key without
// retrying.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	mutex := l.newMutex(key, ttl, 1)

	if err := mutex.TryLockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			lock.RecordAcquisition(ctx, backendName, lock.ResultContention)

			return false, nil
		}

		lock.RecordAcquisition(ctx, backendName, lock.ResultFailure)

		return false, fmt.Errorf("error acquiring the redis lock for %q: %w", key, err)
	}

	l.mu.Lock()
	l.held[key] = &heldMutex{mutex: mutex, startTime: time.Now()}
	l.mu.Unlock()

	lock.RecordAcquisition(ctx, backendName, lock.ResultSuccess)

	return true, nil
}

// Close releases the underlying Redis connection.
func (l *Locker) Close() error { return l.client.Close() }
