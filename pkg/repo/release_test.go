package repo_test

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/deb"
	"github.com/aptforge/aptforge/pkg/hashutil"
	"github.com/aptforge/aptforge/pkg/repo"
	"github.com/aptforge/aptforge/pkg/signing"
)

// parsePackages splits a Packages file into control paragraphs.
func parsePackages(t *testing.T, data []byte) []*deb.Paragraph {
	t.Helper()

	var paragraphs []*deb.Paragraph

	for _, stanza := range strings.Split(string(data), "\n\n") {
		if strings.TrimSpace(stanza) == "" {
			continue
		}

		p, err := deb.ParseControlString(stanza)
		require.NoError(t, err)

		paragraphs = append(paragraphs, p)
	}

	return paragraphs
}

// parseReleaseDigests extracts one digest section ("MD5Sum:", "SHA1:" or
// "SHA256:") from a Release file as path -> (digest, size).
func parseReleaseDigests(t *testing.T, release []byte, section string) map[string][2]string {
	t.Helper()

	out := make(map[string][2]string)
	scanner := bufio.NewScanner(bytes.NewReader(release))
	active := false

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, " ") {
			active = strings.TrimSpace(line) == section

			continue
		}

		if !active {
			continue
		}

		fields := strings.Fields(line)
		require.Len(t, fields, 3)

		out[fields[2]] = [2]string{fields[0], fields[1]}
	}

	require.NoError(t, scanner.Err())

	return out
}

func TestGetPackages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("round trip metadata", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")
		addDeb(t, tr, "main", "wide", "2.0-1", "all")
		addDeb(t, tr, "main", "legacy", "0.9-1", "i386")

		data, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", false)
		require.NoError(t, err)

		paragraphs := parsePackages(t, data)
		require.Len(t, paragraphs, 2)

		byName := make(map[string]*deb.Paragraph)
		for _, p := range paragraphs {
			byName[p.Get("Package")] = p
		}

		require.Contains(t, byName, "hello")
		require.Contains(t, byName, "wide")
		assert.NotContains(t, byName, "legacy")

		for name, p := range byName {
			pkg, err := tr.db.GetPackageByIdentity(ctx, name, p.Get("Version"), p.Get("Architecture"))
			require.NoError(t, err)

			assert.Equal(t, pkg.Path, p.Get("Filename"))
			assert.Equal(t, strconv.FormatInt(pkg.Size, 10), p.Get("Size"))
			assert.Equal(t, pkg.MD5Sum, p.Get("MD5sum"))
			assert.Equal(t, pkg.SHA1Sum, p.Get("SHA1"))
			assert.Equal(t, pkg.SHA256Sum, p.Get("SHA256"))

			// The digests match the stored file, independently recomputed.
			size, body, err := tr.store.GetFile(ctx, pkg.Path)
			require.NoError(t, err)

			digests, err := hashutil.DigestsFromReader(body)
			require.NoError(t, body.Close())
			require.NoError(t, err)

			assert.Equal(t, pkg.Size, size)
			assert.Equal(t, digests.MD5, p.Get("MD5sum"))
			assert.Equal(t, digests.SHA1, p.Get("SHA1"))
			assert.Equal(t, digests.SHA256, p.Get("SHA256"))
		}
	})

	t.Run("empty section yields a blank index", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		data, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", false)
		require.NoError(t, err)
		assert.Equal(t, []byte("\n"), data)
	})

	t.Run("compressed index round trips", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		raw, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", false)
		require.NoError(t, err)

		compressed, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", true)
		require.NoError(t, err)

		assert.Equal(t, raw, gunzip(t, compressed))
	})

	t.Run("unknown distribution fails", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		_, err := tr.GetPackages(ctx, "trixie", "main", "amd64", false)
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})
}

func TestGetReleaseData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("header fields", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		release, _, err := tr.GetReleaseData(ctx, "bookworm")
		require.NoError(t, err)

		text := string(release)
		assert.Contains(t, text, "Origin: aptforge\n")
		assert.Contains(t, text, "Label: Aptforge\n")
		assert.Contains(t, text, "Codename: bookworm\n")
		assert.Contains(t, text, "Suite: stable\n")
		assert.Contains(t, text, "Architectures: amd64 i386\n")
		assert.Contains(t, text, "Components: main\n")
	})

	t.Run("release digests match the cached artifacts", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		release, _, err := tr.GetReleaseData(ctx, "bookworm")
		require.NoError(t, err)

		md5s := parseReleaseDigests(t, release, "MD5Sum:")
		sha1s := parseReleaseDigests(t, release, "SHA1:")
		sha256s := parseReleaseDigests(t, release, "SHA256:")

		// Two sections worth of artifacts: (main) x (amd64, i386) x (raw, gz).
		require.Len(t, md5s, 4)
		require.Len(t, sha1s, 4)
		require.Len(t, sha256s, 4)

		for relPath, entry := range md5s {
			artifact, err := tr.cache.Get(ctx, "dists/bookworm/"+relPath)
			require.NoError(t, err, relPath)

			digests := hashutil.DigestsFromBytes(artifact)

			assert.Equal(t, digests.MD5, entry[0], relPath)
			assert.Equal(t, strconv.Itoa(len(artifact)), entry[1], relPath)
			assert.Equal(t, digests.SHA1, sha1s[relPath][0], relPath)
			assert.Equal(t, digests.SHA256, sha256s[relPath][0], relPath)
		}
	})

	t.Run("signature verifies against the public key", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		release, sig, err := tr.GetReleaseData(ctx, "bookworm")
		require.NoError(t, err)

		publicKey, err := tr.PublicKey(ctx)
		require.NoError(t, err)

		assert.NoError(t, signing.Verify(release, sig, publicKey))
	})

	t.Run("deterministic gzip across rebuilds", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		first, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", true)
		require.NoError(t, err)

		// Flush everything and rebuild from scratch.
		require.NoError(t, tr.cache.DeleteMany(ctx, []string{
			"dists/bookworm/main/binary-amd64/Packages.gz",
			"dists/bookworm/Release",
			"dists/bookworm/Release.gpg",
		}))

		second, err := tr.GetPackages(ctx, "bookworm", "main", "amd64", true)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("cache invalidation on mutation", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		// A second, unrelated distribution.
		other, err := tr.db.CreateDistribution(ctx, database.CreateDistributionParams{
			Name:          "trixie",
			Label:         "Aptforge",
			Origin:        "aptforge",
			Architectures: []string{"amd64"},
		})
		require.NoError(t, err)

		_, err = tr.db.CreateSection(ctx, database.CreateSectionParams{
			DistributionID: other.ID,
			Name:           "main",
		})
		require.NoError(t, err)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		before, _, err := tr.GetReleaseData(ctx, "bookworm")
		require.NoError(t, err)

		otherBefore, _, err := tr.GetReleaseData(ctx, "trixie")
		require.NoError(t, err)

		addDeb(t, tr, "main", "hello", "1.0-2", "amd64")

		after, _, err := tr.GetReleaseData(ctx, "bookworm")
		require.NoError(t, err)
		assert.NotEqual(t, before, after)

		// The unrelated distribution is untouched.
		otherAfter, _, err := tr.GetReleaseData(ctx, "trixie")
		require.NoError(t, err)
		assert.Equal(t, otherBefore, otherAfter)
	})
}

func TestPublicKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tr := newTestRepo(t)

	first, err := tr.PublicKey(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(first), "BEGIN PGP PUBLIC KEY BLOCK")

	// Served from the cache on subsequent calls.
	second, err := tr.PublicKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()

	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)

	out, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	return out
}
