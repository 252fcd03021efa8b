package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/metacache"
	"github.com/aptforge/aptforge/pkg/metacache/memory"
)

func TestGetMiss(t *testing.T) {
	t.Parallel()

	_, err := memory.New().Get(context.Background(), "dists/stable/Release")
	assert.ErrorIs(t, err, metacache.ErrMiss)
}

func TestSetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := memory.New()

	require.NoError(t, c.Set(ctx, "dists/stable/Release", []byte("release")))

	got, err := c.Get(ctx, "dists/stable/Release")
	require.NoError(t, err)
	assert.Equal(t, []byte("release"), got)

	require.NoError(t, c.DeleteMany(ctx, []string{"dists/stable/Release", "not-cached"}))

	_, err = c.Get(ctx, "dists/stable/Release")
	assert.ErrorIs(t, err, metacache.ErrMiss)
}

func TestGetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := memory.New()

	require.NoError(t, c.Set(ctx, "key", []byte("value")))

	got, err := c.Get(ctx, "key")
	require.NoError(t, err)

	got[0] = 'X'

	again, err := c.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}
