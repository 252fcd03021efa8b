package deb_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/deb"
	"github.com/aptforge/aptforge/testdata"
)

func TestReadControl(t *testing.T) {
	t.Parallel()

	pkg := testdata.Deb(t, "hello", "2.10-3", "amd64")

	c, err := deb.ReadControl(bytes.NewReader(pkg))
	require.NoError(t, err)

	assert.Equal(t, "hello", c.Name)
	assert.Equal(t, "2.10-3", c.Version)
	assert.Equal(t, "amd64", c.Architecture)

	require.NotNil(t, c.Paragraph)
	assert.Equal(t, "hello", c.Paragraph.Get("Package"))
	assert.Contains(t, c.Paragraph.Get("Description"), "synthetic test package")
}

func TestReadControlNotAnArchive(t *testing.T) {
	t.Parallel()

	_, err := deb.ReadControl(bytes.NewReader([]byte("definitely not a deb")))
	assert.ErrorIs(t, err, deb.ErrInvalidDeb)
}

func TestReadControlString(t *testing.T) {
	t.Parallel()

	pkg := testdata.Deb(t, "hello", "1.0", "all")

	c, err := deb.ReadControl(bytes.NewReader(pkg))
	require.NoError(t, err)

	assert.Equal(t, "(hello, 1.0, all)", c.String())
}
