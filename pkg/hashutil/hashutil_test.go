package hashutil_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/hashutil"
)

func TestHashBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		algorithm hashutil.Algorithm
		want      string
	}{
		{hashutil.MD5, "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{hashutil.SHA1, "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed"},
		{hashutil.SHA256, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	for _, test := range tests {
		t.Run(string(test.algorithm), func(t *testing.T) {
			t.Parallel()

			got, err := hashutil.HashBytes(test.algorithm, []byte("hello world"))
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestHashBytesUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := hashutil.HashBytes("sha512", []byte("hello"))
	assert.ErrorIs(t, err, hashutil.ErrUnknownAlgorithm)
}

func TestHashReaderRewindsSeeker(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte("hello world"))

	// Move the reader away from the beginning; HashReader must rewind.
	_, err := r.Seek(5, 0)
	require.NoError(t, err)

	got, err := hashutil.HashReader(hashutil.MD5, r)
	require.NoError(t, err)
	assert.Equal(t, "5eb63bbbe01eeed093cb22bb8f5acdc3", got)
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0o600))

	got, err := hashutil.HashFile(hashutil.SHA256, p)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
}

func TestDigestsSinglePassMatchesPerAlgorithm(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("aptforge"), 100_000)

	ds, err := hashutil.DigestsFromReader(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, hashutil.DigestsFromBytes(data), ds)

	wantMD5, err := hashutil.HashBytes(hashutil.MD5, data)
	require.NoError(t, err)
	assert.Equal(t, wantMD5, ds.MD5)
}
