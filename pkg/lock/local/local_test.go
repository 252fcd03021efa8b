package local_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/lock/local"
)

func TestLocker_BasicLockUnlock(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "bookworm", time.Minute))
	require.NoError(t, l.Unlock(ctx, "bookworm"))
}

func TestLocker_UnlockUnknownKey(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()

	assert.ErrorIs(t, l.Unlock(context.Background(), "never-locked"), local.ErrUnlockUnknownKey)
}

func TestLocker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	const goroutines = 50

	var (
		wg      sync.WaitGroup
		counter int
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			require.NoError(t, l.Lock(ctx, "bookworm", time.Minute))
			counter++
			require.NoError(t, l.Unlock(ctx, "bookworm"))
		}()
	}

	wg.Wait()

	assert.Equal(t, goroutines, counter)
}

func TestLocker_DifferentKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "bookworm", time.Minute))
	defer func() { require.NoError(t, l.Unlock(ctx, "bookworm")) }()

	done := make(chan struct{})

	go func() {
		defer close(done)

		require.NoError(t, l.Lock(ctx, "trixie", time.Minute))
		require.NoError(t, l.Unlock(ctx, "trixie"))
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLocker_LockHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, "bookworm", time.Minute))

	cancelCtx, cancel := context.WithCancel(ctx)

	errCh := make(chan error, 1)

	go func() {
		errCh <- l.Lock(cancelCtx, "bookworm", time.Minute)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Lock did not return after the context was cancelled")
	}

	// The holder is unaffected and the key stays usable afterwards.
	require.NoError(t, l.Unlock(ctx, "bookworm"))
	require.NoError(t, l.Lock(ctx, "bookworm", time.Minute))
	require.NoError(t, l.Unlock(ctx, "bookworm"))
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()

	l := local.NewLocker()
	ctx := context.Background()

	acquired, err := l.TryLock(ctx, "bookworm", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = l.TryLock(ctx, "bookworm", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, l.Unlock(ctx, "bookworm"))

	acquired, err = l.TryLock(ctx, "bookworm", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	require.NoError(t, l.Unlock(ctx, "bookworm"))
}
