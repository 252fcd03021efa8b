package local_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/storage"
	"github.com/aptforge/aptforge/pkg/storage/local"
)

func newStore(t *testing.T) *local.Store {
	t.Helper()

	s, err := local.New(context.Background(), t.TempDir())
	require.NoError(t, err)

	return s
}

func TestNewValidatesPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("relative path", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(ctx, "relative/path")
		assert.ErrorIs(t, err, local.ErrPathMustBeAbsolute)
	})

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()

		_, err := local.New(ctx, filepath.Join(t.TempDir(), "missing"))
		assert.ErrorIs(t, err, local.ErrPathMustExist)
	})

	t.Run("not a directory", func(t *testing.T) {
		t.Parallel()

		p := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(p, nil, 0o600))

		_, err := local.New(ctx, p)
		assert.ErrorIs(t, err, local.ErrPathMustBeADirectory)
	})

	t.Run("unreadable path surfaces the stat error", func(t *testing.T) {
		t.Parallel()

		// Stat'ing below a regular file fails with ENOTDIR, not ENOENT.
		p := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(p, nil, 0o600))

		_, err := local.New(ctx, filepath.Join(p, "below"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, local.ErrPathMustExist)
		assert.ErrorContains(t, err, "stat")
	})
}

func TestPutGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	content := []byte("deadbeef")

	written, err := s.PutFile(ctx, "packages/ab/hello_1.0_all.deb", bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), written)
	assert.True(t, s.HasFile(ctx, "packages/ab/hello_1.0_all.deb"))

	size, rc, err := s.GetFile(ctx, "packages/ab/hello_1.0_all.deb")
	require.NoError(t, err)

	defer rc.Close()

	assert.Equal(t, int64(len(content)), size)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, s.DeleteFile(ctx, "packages/ab/hello_1.0_all.deb"))
	assert.False(t, s.HasFile(ctx, "packages/ab/hello_1.0_all.deb"))
}

func TestPutFileReplacesExisting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t)

	_, err := s.PutFile(ctx, "packages/ab/a.deb", bytes.NewReader([]byte("first")))
	require.NoError(t, err)

	_, err = s.PutFile(ctx, "packages/ab/a.deb", bytes.NewReader([]byte("second")))
	require.NoError(t, err)

	_, rc, err := s.GetFile(ctx, "packages/ab/a.deb")
	require.NoError(t, err)

	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestGetFileNotFound(t *testing.T) {
	t.Parallel()

	_, _, err := newStore(t).GetFile(context.Background(), "packages/ab/missing.deb")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteFileMissingIsNoop(t *testing.T) {
	t.Parallel()

	assert.NoError(t, newStore(t).DeleteFile(context.Background(), "packages/ab/missing.deb"))
}

func TestPathEscapeRejected(t *testing.T) {
	t.Parallel()

	_, err := newStore(t).PutFile(context.Background(), "../outside", bytes.NewReader(nil))
	assert.ErrorIs(t, err, local.ErrPathEscapesRoot)
}
