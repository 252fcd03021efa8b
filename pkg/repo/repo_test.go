package repo_test

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/hashutil"
	locklocal "github.com/aptforge/aptforge/pkg/lock/local"
	"github.com/aptforge/aptforge/pkg/metacache/memory"
	"github.com/aptforge/aptforge/pkg/repo"
	"github.com/aptforge/aptforge/pkg/signing"
	storagelocal "github.com/aptforge/aptforge/pkg/storage/local"
	"github.com/aptforge/aptforge/testdata"
)

var alice = repo.Actor{Name: "alice", Groups: []string{"developers"}}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func mkdir(path string) error {
	return os.MkdirAll(path, 0o755)
}

type testRepo struct {
	*repo.Repository

	db     *database.DB
	dbPath string
	store  *storagelocal.Store
	cache  *memory.Cache
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()

	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "db.sqlite")

	db, err := database.Open("sqlite:"+dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.CreateSchema(ctx))

	store, err := storagelocal.New(ctx, t.TempDir())
	require.NoError(t, err)

	cache := memory.New()

	signer, err := signing.New(strings.NewReader(testdata.SigningKey(t)))
	require.NoError(t, err)

	r, err := repo.New(db, store, cache, locklocal.NewLocker(), signer)
	require.NoError(t, err)

	return &testRepo{Repository: r, db: db, dbPath: dbPath, store: store, cache: cache}
}

// seed creates the bookworm distribution with amd64 and i386 plus a main
// section, and returns both.
func seed(t *testing.T, tr *testRepo) (*database.Distribution, *database.Section) {
	t.Helper()

	ctx := context.Background()

	dist, err := tr.db.CreateDistribution(ctx, database.CreateDistributionParams{
		Name:          "bookworm",
		Description:   "test distribution",
		Label:         "Aptforge",
		Suite:         "stable",
		Origin:        "aptforge",
		Architectures: []string{"amd64", "i386"},
	})
	require.NoError(t, err)

	section, err := tr.db.CreateSection(ctx, database.CreateSectionParams{
		DistributionID: dist.ID,
		Name:           "main",
	})
	require.NoError(t, err)

	return dist, section
}

func addDeb(t *testing.T, tr *testRepo, section, name, version, arch string) int64 {
	t.Helper()

	data := testdata.Deb(t, name, version, arch)

	id, err := tr.AddPackage(
		context.Background(),
		alice,
		"bookworm", section,
		bytes.NewReader(data),
		fmt.Sprintf("%s_%s_%s.deb", name, version, arch),
		"",
	)
	require.NoError(t, err)

	return id
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := repo.New(nil, nil, nil, nil, nil)
	assert.ErrorIs(t, err, repo.ErrDatabaseRequired)
}

func TestAddPackage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("rejects files without the deb extension", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		_, err := tr.AddPackage(ctx, alice, "bookworm", "main",
			strings.NewReader("not a deb"), "hello.rpm", "")
		assert.ErrorIs(t, err, repo.ErrInvalidInput)
	})

	t.Run("rejects malformed packages", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		_, err := tr.AddPackage(ctx, alice, "bookworm", "main",
			strings.NewReader("not a deb"), "hello.deb", "")
		assert.ErrorIs(t, err, repo.ErrInvalidInput)
	})

	t.Run("rejects unknown sections", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		data := testdata.Deb(t, "hello", "1.0-1", "amd64")

		_, err := tr.AddPackage(ctx, alice, "bookworm", "universe",
			bytes.NewReader(data), "hello.deb", "")
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})

	t.Run("rejects unsupported architectures", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		data := testdata.Deb(t, "hello", "1.0-1", "riscv64")

		_, err := tr.AddPackage(ctx, alice, "bookworm", "main",
			bytes.NewReader(data), "hello.deb", "")
		assert.ErrorIs(t, err, repo.ErrInvalidArchitecture)
	})

	t.Run("accepts architecture all", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "all")
	})

	t.Run("stores the file and records the action", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)
		assert.True(t, tr.store.HasFile(ctx, pkg.Path))
		assert.True(t, strings.HasPrefix(pkg.Path, "packages/"+pkg.MD5Sum[:2]+"/"))

		actions, err := tr.GetActions(ctx, repo.ActionFilter{Distribution: "bookworm"})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, database.ActionTypeUpload, actions[0].Type)
		assert.Equal(t, "alice", actions[0].Actor)
		assert.Equal(t, "hello", actions[0].PackageName)
	})

	t.Run("idempotent re-upload", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		first := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")
		second := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		assert.Equal(t, first, second)

		pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)

		count, err := tr.db.CountPackageInstances(ctx, pkg.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		actions, err := tr.GetActions(ctx, repo.ActionFilter{Distribution: "bookworm"})
		require.NoError(t, err)
		assert.Len(t, actions, 1)
	})

	t.Run("conflicting content is rejected", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)

		conflicting := testdata.DebWithPayload(t, "hello", "1.0-1", "amd64", []byte("different payload"))

		_, err = tr.AddPackage(ctx, alice, "bookworm", "main",
			bytes.NewReader(conflicting), "hello_1.0-1_amd64.deb", "")
		assert.ErrorIs(t, err, repo.ErrContentConflict)

		// The existing package is untouched.
		after, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)
		assert.Equal(t, pkg.MD5Sum, after.MD5Sum)
		assert.True(t, tr.store.HasFile(ctx, after.Path))
	})

	t.Run("a failed transaction leaves no durable state behind", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		// Break the actions table on a second connection so the
		// instance+action transaction fails after the package row and the
		// file are already in place.
		sdb, err := sql.Open("sqlite3", tr.dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, sdb.Close()) })

		_, err = sdb.ExecContext(ctx, "DROP TABLE actions")
		require.NoError(t, err)

		data := testdata.Deb(t, "hello", "1.0-1", "amd64")

		_, err = tr.AddPackage(ctx, alice, "bookworm", "main",
			bytes.NewReader(data), "hello_1.0-1_amd64.deb", "")
		require.Error(t, err)

		// Neither the package row nor the stored file survive, so a later
		// upload of the same content starts from a clean slate.
		_, err = tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		assert.ErrorIs(t, err, database.ErrNotFound)

		md5Sum := hashutil.DigestsFromBytes(data).MD5
		storedPath := fmt.Sprintf("packages/%s/hello_1.0-1_amd64.deb", md5Sum[:2])
		assert.False(t, tr.store.HasFile(ctx, storedPath))
	})

	t.Run("authorization is enforced", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		dist, _ := seed(t, tr)

		_, err := tr.db.CreateSection(ctx, database.CreateSectionParams{
			DistributionID:       dist.ID,
			Name:                 "restricted",
			EnforceAuthorization: true,
			AuthorizedUsers:      "bob",
			AuthorizedGroups:     "release-managers",
		})
		require.NoError(t, err)

		data := testdata.Deb(t, "hello", "1.0-1", "amd64")

		_, err = tr.AddPackage(ctx, alice, "bookworm", "restricted",
			bytes.NewReader(data), "hello.deb", "")
		assert.ErrorIs(t, err, repo.ErrNotAuthorized)

		// The system actor is always allowed.
		_, err = tr.AddPackage(ctx, repo.SystemActor, "bookworm", "restricted",
			bytes.NewReader(data), "hello.deb", "")
		assert.NoError(t, err)
	})
}

func TestRemovePackage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("removes instance, package and file when orphaned", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		instanceID := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)

		require.NoError(t, tr.RemovePackage(ctx, alice, instanceID, "cleanup"))

		_, err = tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		assert.ErrorIs(t, err, database.ErrNotFound)
		assert.False(t, tr.store.HasFile(ctx, pkg.Path))

		// The delete action survives the package deletion.
		actions, err := tr.GetActions(ctx, repo.ActionFilter{Distribution: "bookworm"})
		require.NoError(t, err)
		require.Len(t, actions, 2)
		assert.Equal(t, database.ActionTypeDelete, actions[1].Type)
		assert.Equal(t, "hello", actions[1].PackageName)
	})

	t.Run("keeps the package while other instances reference it", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		dist, _ := seed(t, tr)

		_, err := tr.db.CreateSection(ctx, database.CreateSectionParams{
			DistributionID: dist.ID,
			Name:           "contrib",
		})
		require.NoError(t, err)

		instanceID := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)

		_, err = tr.ClonePackage(ctx, alice, "bookworm", "contrib", pkg.ID, "")
		require.NoError(t, err)

		require.NoError(t, tr.RemovePackage(ctx, alice, instanceID, ""))

		_, err = tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		require.NoError(t, err)
		assert.True(t, tr.store.HasFile(ctx, pkg.Path))
	})

	t.Run("missing instance returns ErrNotFound", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		assert.ErrorIs(t, tr.RemovePackage(ctx, alice, 4242, ""), repo.ErrNotFound)
	})
}

func TestRemoveAllInstances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tr := newTestRepo(t)
	dist, _ := seed(t, tr)

	_, err := tr.db.CreateSection(ctx, database.CreateSectionParams{
		DistributionID: dist.ID,
		Name:           "contrib",
	})
	require.NoError(t, err)

	addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

	pkg, err := tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
	require.NoError(t, err)

	_, err = tr.ClonePackage(ctx, alice, "bookworm", "contrib", pkg.ID, "")
	require.NoError(t, err)

	require.NoError(t, tr.RemoveAllInstances(ctx, alice, pkg.ID, "purge"))

	_, err = tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.False(t, tr.store.HasFile(ctx, pkg.Path))
}

func TestClone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cloning an instance into its own section fails", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		instanceID := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		_, err := tr.CloneInstance(ctx, alice, "bookworm", "main", instanceID, "")
		assert.ErrorIs(t, err, repo.ErrInvalidOperation)
	})

	t.Run("clone records a copy action with the source section", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		dist, _ := seed(t, tr)

		_, err := tr.db.CreateSection(ctx, database.CreateSectionParams{
			DistributionID: dist.ID,
			Name:           "backports",
		})
		require.NoError(t, err)

		instanceID := addDeb(t, tr, "main", "hello", "1.0-1", "amd64")

		cloneID, err := tr.CloneInstance(ctx, alice, "bookworm", "backports", instanceID, "promoting")
		require.NoError(t, err)
		assert.NotEqual(t, instanceID, cloneID)

		actions, err := tr.GetActions(ctx, repo.ActionFilter{Distribution: "bookworm", Section: "backports"})
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, database.ActionTypeCopy, actions[0].Type)
		assert.Equal(t, "main", actions[0].SourceSection)
		assert.Equal(t, "promoting", actions[0].Comment)
	})

	t.Run("missing package returns ErrNotFound", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		_, err := tr.ClonePackage(ctx, alice, "bookworm", "main", 4242, "")
		assert.ErrorIs(t, err, repo.ErrNotFound)
	})
}

func TestGetHistoricalActions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tr := newTestRepo(t)
	seed(t, tr)

	addDeb(t, tr, "main", "hello", "1.0-1", "amd64")
	addDeb(t, tr, "main", "hello", "1.0-2", "amd64")

	actions, err := tr.GetHistoricalActions(ctx, "bookworm", "main")
	require.NoError(t, err)
	require.Len(t, actions, 2)

	// Newest first.
	assert.Equal(t, "1.0-2", actions[0].Version)
	assert.Equal(t, "1.0-1", actions[1].Version)
}

func TestImportDir(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	writeDeb := func(t *testing.T, dir, name, version, arch string) {
		t.Helper()

		data := testdata.Deb(t, name, version, arch)
		path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.deb", name, version, arch))
		require.NoError(t, writeFile(path, data))
	}

	t.Run("imports all debs in a tree", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		dir := t.TempDir()
		sub := filepath.Join(dir, "pool")
		require.NoError(t, mkdir(sub))

		writeDeb(t, dir, "hello", "1.0-1", "amd64")
		writeDeb(t, sub, "world", "2.0-1", "all")
		require.NoError(t, writeFile(filepath.Join(dir, "README"), []byte("not a deb")))

		result, err := tr.ImportDir(ctx, alice, "bookworm", "main", dir, repo.ImportOptions{Recursive: true})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Imported)
		assert.Equal(t, 0, result.Failed)

		_, err = tr.db.GetPackageByIdentity(ctx, "world", "2.0-1", "all")
		assert.NoError(t, err)
	})

	t.Run("non-recursive skips subdirectories", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		dir := t.TempDir()
		sub := filepath.Join(dir, "pool")
		require.NoError(t, mkdir(sub))

		writeDeb(t, dir, "hello", "1.0-1", "amd64")
		writeDeb(t, sub, "world", "2.0-1", "all")

		result, err := tr.ImportDir(ctx, alice, "bookworm", "main", dir, repo.ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
	})

	t.Run("dry run discovers without importing", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		dir := t.TempDir()
		writeDeb(t, dir, "hello", "1.0-1", "amd64")

		result, err := tr.ImportDir(ctx, alice, "bookworm", "main", dir, repo.ImportOptions{DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)

		_, err = tr.db.GetPackageByIdentity(ctx, "hello", "1.0-1", "amd64")
		assert.ErrorIs(t, err, database.ErrNotFound)
	})

	t.Run("ignore errors keeps importing", func(t *testing.T) {
		t.Parallel()

		tr := newTestRepo(t)
		seed(t, tr)

		dir := t.TempDir()
		require.NoError(t, writeFile(filepath.Join(dir, "broken.deb"), []byte("junk")))
		writeDeb(t, dir, "hello", "1.0-1", "amd64")

		_, err := tr.ImportDir(ctx, alice, "bookworm", "main", dir, repo.ImportOptions{})
		require.Error(t, err)

		result, err := tr.ImportDir(ctx, alice, "bookworm", "main", dir, repo.ImportOptions{IgnoreErrors: true})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Imported)
		assert.Equal(t, 1, result.Failed)
	})
}
