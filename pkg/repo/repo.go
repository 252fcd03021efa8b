// Package repo implements the repository engine: package ingestion,
// metadata generation and signing, pruning and the audit log. It
// orchestrates the database, the content store, the metadata cache, the
// signing key and the per-distribution lock.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/deb"
	"github.com/aptforge/aptforge/pkg/hashutil"
	"github.com/aptforge/aptforge/pkg/lock"
	"github.com/aptforge/aptforge/pkg/metacache"
	"github.com/aptforge/aptforge/pkg/signing"
	"github.com/aptforge/aptforge/pkg/storage"
)

const defaultLockTTL = 5 * time.Minute

var (
	// ErrDatabaseRequired is returned by New when no database is given.
	ErrDatabaseRequired = errors.New("database is required")

	// ErrStoreRequired is returned by New when no content store is given.
	ErrStoreRequired = errors.New("content store is required")

	// ErrCacheRequired is returned by New when no metadata cache is given.
	ErrCacheRequired = errors.New("metadata cache is required")

	// ErrLockerRequired is returned by New when no locker is given.
	ErrLockerRequired = errors.New("locker is required")

	// ErrSignerRequired is returned by New when no signer is given.
	ErrSignerRequired = errors.New("signer is required")
)

// Repository is the engine tying all collaborators together. It is safe
// for concurrent use.
type Repository struct {
	db     *database.DB
	store  storage.Store
	cache  metacache.Cache
	locker lock.Locker
	signer *signing.Signer
	auth   AuthorizationChecker

	lockTTL time.Duration
}

// Option configures a Repository.
type Option func(*Repository)

// WithAuthorizer replaces the default section authorizer.
func WithAuthorizer(auth AuthorizationChecker) Option {
	return func(r *Repository) { r.auth = auth }
}

// WithLockTTL sets the TTL passed to the distribution lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(r *Repository) { r.lockTTL = ttl }
}

// New returns a new Repository.
func New(
	db *database.DB,
	store storage.Store,
	cache metacache.Cache,
	locker lock.Locker,
	signer *signing.Signer,
	opts ...Option,
) (*Repository, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}

	if store == nil {
		return nil, ErrStoreRequired
	}

	if cache == nil {
		return nil, ErrCacheRequired
	}

	if locker == nil {
		return nil, ErrLockerRequired
	}

	if signer == nil {
		return nil, ErrSignerRequired
	}

	r := &Repository{
		db:      db,
		store:   store,
		cache:   cache,
		locker:  locker,
		signer:  signer,
		auth:    SectionAuthorizer{},
		lockTTL: defaultLockTTL,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// AddPackage ingests a .deb file into a section and returns the id of the
// resulting package instance. Re-adding identical content is idempotent;
// adding different content under an existing (name, version,
// architecture) fails with ErrContentConflict. On any failure after the
// file was stored, the stored file and the package row it created are
// removed again so the durable state is unchanged.
func (r *Repository) AddPackage(
	ctx context.Context,
	actor Actor,
	distribution, section string,
	body io.Reader,
	fileName, comment string,
) (int64, error) {
	log := zerolog.Ctx(ctx).With().
		Str("distribution", distribution).
		Str("section", section).
		Str("file_name", fileName).
		Logger()

	if path.Ext(fileName) != deb.Extension {
		return 0, fmt.Errorf("%w: %q does not have the %s extension", ErrInvalidInput, fileName, deb.Extension)
	}

	sec, err := r.getSection(ctx, distribution, section)
	if err != nil {
		return 0, err
	}

	if !r.auth.Authorized(sec, actor) {
		return 0, fmt.Errorf("%w: %q may not write to section %q", ErrNotAuthorized, actor.Name, section)
	}

	// Spool the body to a temporary file so it can be parsed, hashed and
	// stored from the same bytes.
	spool, err := os.CreateTemp("", "aptforge-upload-*.deb")
	if err != nil {
		return 0, fmt.Errorf("error creating a temporary file: %w", err)
	}

	defer func() {
		//nolint:errcheck
		spool.Close()
		//nolint:errcheck
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, body)
	if err != nil {
		return 0, fmt.Errorf("error spooling the upload: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("error rewinding the spool file: %w", err)
	}

	control, err := deb.ReadControl(spool)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidInput, err)
	}

	if !architectureSupported(sec.Distribution, control.Architecture) {
		return 0, fmt.Errorf("%w: %q is not supported by distribution %q",
			ErrInvalidArchitecture, control.Architecture, distribution)
	}

	digests, err := hashutil.DigestsFromReader(spool)
	if err != nil {
		return 0, fmt.Errorf("error hashing the upload: %w", err)
	}

	pkg, stored, err := r.ensurePackage(ctx, control, digests, size, spool)
	if err != nil {
		return 0, err
	}

	var instance *database.PackageInstance

	err = r.db.RunInTx(ctx, func(ctx context.Context, tx *database.DB) error {
		var created bool

		instance, created, err = tx.GetOrCreatePackageInstance(ctx, pkg.ID, sec.ID, actor.Name)
		if err != nil {
			return err
		}

		if !created {
			log.Debug().Int64("instance_id", instance.ID).Msg("package already present in section")

			return nil
		}

		return tx.CreateAction(ctx, &database.Action{
			Type:      database.ActionTypeUpload,
			SectionID: sec.ID,
			PackageID: sql.NullInt64{Int64: pkg.ID, Valid: true},
			Actor:     actor.Name,
			Comment:   comment,
			Summary: fmt.Sprintf("uploaded %s %s (%s) to %s/%s",
				control.Name, control.Version, control.Architecture, distribution, section),
			PackageName:  control.Name,
			Version:      control.Version,
			Architecture: control.Architecture,
		})
	})
	if err != nil {
		if stored {
			// The database failed after ensurePackage committed the package
			// row and stored the file; undo both so the failed add leaves no
			// trace behind.
			if derr := r.db.DeletePackage(ctx, pkg.ID); derr != nil {
				log.Error().Err(derr).Int64("package_id", pkg.ID).
					Msg("error removing the package row after a database failure")
			}

			if derr := r.store.DeleteFile(ctx, pkg.Path); derr != nil {
				log.Error().Err(derr).Str("path", pkg.Path).
					Msg("error removing the stored file after a database failure")
			}
		}

		return 0, err
	}

	r.invalidateDistribution(ctx, sec.Distribution)

	packagesUploadedTotal.Add(ctx, 1, distributionAttr(distribution))

	log.Info().
		Str("package", control.Name).
		Str("version", control.Version).
		Str("architecture", control.Architecture).
		Int64("instance_id", instance.ID).
		Msg("package added")

	return instance.ID, nil
}

// AddPackageFile ingests a .deb file from the local filesystem.
func (r *Repository) AddPackageFile(
	ctx context.Context,
	actor Actor,
	distribution, section, filePath, comment string,
) (int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("error opening %q: %w", filePath, err)
	}

	//nolint:errcheck
	defer f.Close()

	return r.AddPackage(ctx, actor, distribution, section, f, path.Base(filePath), comment)
}

// ensurePackage returns the package row matching the uploaded content,
// creating it (and storing the file) if absent. The second return
// reports whether this call stored a new file; the caller must delete it
// if a later step fails.
func (r *Repository) ensurePackage(
	ctx context.Context,
	control deb.Control,
	digests hashutil.Digests,
	size int64,
	body io.ReadSeeker,
) (*database.Package, bool, error) {
	pkg, err := r.db.GetPackageByIdentity(ctx, control.Name, control.Version, control.Architecture)
	if err == nil {
		if pkg.MD5Sum != digests.MD5 || pkg.SHA1Sum != digests.SHA1 || pkg.SHA256Sum != digests.SHA256 {
			return nil, false, fmt.Errorf(
				"%w: %s %s (%s) already exists with different content",
				ErrContentConflict, control.Name, control.Version, control.Architecture)
		}

		return pkg, false, nil
	}

	if !errors.Is(err, database.ErrNotFound) {
		return nil, false, err
	}

	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return nil, false, fmt.Errorf("error rewinding the spool file: %w", err)
	}

	storedPath := storedPackagePath(digests.MD5, control.Name, control.Version, control.Architecture)

	if _, err := r.store.PutFile(ctx, storedPath, body); err != nil {
		return nil, false, fmt.Errorf("error storing the package file: %w", err)
	}

	pkg = &database.Package{
		Name:         control.Name,
		Version:      control.Version,
		Architecture: control.Architecture,
		Path:         storedPath,
		Size:         size,
		MD5Sum:       digests.MD5,
		SHA1Sum:      digests.SHA1,
		SHA256Sum:    digests.SHA256,
		Control:      control.Paragraph.String(),
	}

	if err := r.db.CreatePackage(ctx, pkg); err != nil {
		if derr := r.store.DeleteFile(ctx, storedPath); derr != nil {
			zerolog.Ctx(ctx).Error().Err(derr).Str("path", storedPath).
				Msg("error removing the stored file after a database failure")
		}

		return nil, false, err
	}

	return pkg, true, nil
}

// ClonePackage places an existing package into another section and
// returns the new instance id.
func (r *Repository) ClonePackage(
	ctx context.Context,
	actor Actor,
	distribution, section string,
	packageID int64,
	comment string,
) (int64, error) {
	pkg, err := r.db.GetPackageByID(ctx, packageID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("package %d: %w", packageID, ErrNotFound)
		}

		return 0, err
	}

	return r.clone(ctx, actor, distribution, section, pkg, "", comment)
}

// CloneInstance clones the package behind an existing instance into
// another section; cloning into the instance's own section fails with
// ErrInvalidOperation.
func (r *Repository) CloneInstance(
	ctx context.Context,
	actor Actor,
	distribution, section string,
	instanceID int64,
	comment string,
) (int64, error) {
	instance, err := r.db.GetPackageInstanceByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("instance %d: %w", instanceID, ErrNotFound)
		}

		return 0, err
	}

	if instance.Section.Name == section && instance.Section.Distribution.Name == distribution {
		return 0, fmt.Errorf("%w: instance %d already lives in %s/%s",
			ErrInvalidOperation, instanceID, distribution, section)
	}

	return r.clone(ctx, actor, distribution, section, instance.Package, instance.Section.Name, comment)
}

func (r *Repository) clone(
	ctx context.Context,
	actor Actor,
	distribution, section string,
	pkg *database.Package,
	sourceSection, comment string,
) (int64, error) {
	sec, err := r.getSection(ctx, distribution, section)
	if err != nil {
		return 0, err
	}

	if !r.auth.Authorized(sec, actor) {
		return 0, fmt.Errorf("%w: %q may not write to section %q", ErrNotAuthorized, actor.Name, section)
	}

	if !architectureSupported(sec.Distribution, pkg.Architecture) {
		return 0, fmt.Errorf("%w: %q is not supported by distribution %q",
			ErrInvalidArchitecture, pkg.Architecture, distribution)
	}

	var instance *database.PackageInstance

	err = r.db.RunInTx(ctx, func(ctx context.Context, tx *database.DB) error {
		var created bool

		var err error

		instance, created, err = tx.GetOrCreatePackageInstance(ctx, pkg.ID, sec.ID, actor.Name)
		if err != nil {
			return err
		}

		if !created {
			return nil
		}

		return tx.CreateAction(ctx, &database.Action{
			Type:      database.ActionTypeCopy,
			SectionID: sec.ID,
			PackageID: sql.NullInt64{Int64: pkg.ID, Valid: true},
			Actor:     actor.Name,
			Comment:   comment,
			Summary: fmt.Sprintf("copied %s %s (%s) to %s/%s",
				pkg.Name, pkg.Version, pkg.Architecture, distribution, section),
			SourceSection: sourceSection,
			PackageName:   pkg.Name,
			Version:       pkg.Version,
			Architecture:  pkg.Architecture,
		})
	})
	if err != nil {
		return 0, err
	}

	r.invalidateDistribution(ctx, sec.Distribution)

	return instance.ID, nil
}

// RemovePackage deletes a package instance. When the last instance of a
// package goes away the package row and its stored file are removed too.
func (r *Repository) RemovePackage(ctx context.Context, actor Actor, instanceID int64, comment string) error {
	instance, err := r.db.GetPackageInstanceByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("instance %d: %w", instanceID, ErrNotFound)
		}

		return err
	}

	if !r.auth.Authorized(instance.Section, actor) {
		return fmt.Errorf("%w: %q may not write to section %q",
			ErrNotAuthorized, actor.Name, instance.Section.Name)
	}

	pkg := instance.Package

	var orphaned bool

	err = r.db.RunInTx(ctx, func(ctx context.Context, tx *database.DB) error {
		if err := tx.DeletePackageInstance(ctx, instance.ID); err != nil {
			return err
		}

		count, err := tx.CountPackageInstances(ctx, pkg.ID)
		if err != nil {
			return err
		}

		if count == 0 {
			orphaned = true

			if err := tx.DeletePackage(ctx, pkg.ID); err != nil {
				return err
			}
		}

		return tx.CreateAction(ctx, &database.Action{
			Type:      database.ActionTypeDelete,
			SectionID: instance.SectionID,
			Actor:     actor.Name,
			Comment:   comment,
			Summary: fmt.Sprintf("deleted %s %s (%s) from %s/%s",
				pkg.Name, pkg.Version, pkg.Architecture,
				instance.Section.Distribution.Name, instance.Section.Name),
			PackageName:  pkg.Name,
			Version:      pkg.Version,
			Architecture: pkg.Architecture,
		})
	})
	if err != nil {
		return err
	}

	if orphaned {
		if err := r.store.DeleteFile(ctx, pkg.Path); err != nil {
			return fmt.Errorf("error deleting the stored file %q: %w", pkg.Path, err)
		}
	}

	r.invalidateDistribution(ctx, instance.Section.Distribution)

	packagesRemovedTotal.Add(ctx, 1, distributionAttr(instance.Section.Distribution.Name))

	zerolog.Ctx(ctx).Info().
		Str("package", pkg.Name).
		Str("version", pkg.Version).
		Str("architecture", pkg.Architecture).
		Bool("package_deleted", orphaned).
		Msg("package instance removed")

	return nil
}

// RemoveAllInstances removes every instance of a package, which also
// deletes the package itself and its stored file.
func (r *Repository) RemoveAllInstances(ctx context.Context, actor Actor, packageID int64, comment string) error {
	instances, err := r.db.GetPackageInstancesForPackage(ctx, packageID)
	if err != nil {
		return err
	}

	if len(instances) == 0 {
		return fmt.Errorf("package %d has no instances: %w", packageID, ErrNotFound)
	}

	for _, instance := range instances {
		if err := r.RemovePackage(ctx, actor, instance.ID, comment); err != nil {
			return err
		}
	}

	return nil
}

// GetPackages returns the Packages (or Packages.gz) index for one
// (distribution, section, architecture). On a cache miss all metadata for
// the distribution is rebuilt first. An empty index that was flushed
// between rebuild and read yields empty bytes, not an error.
func (r *Repository) GetPackages(
	ctx context.Context,
	distribution, section, architecture string,
	compressed bool,
) ([]byte, error) {
	key := packagesKey(distribution, section, architecture)
	if compressed {
		key = packagesGzKey(distribution, section, architecture)
	}

	data, err := r.cache.Get(ctx, key)
	if err == nil {
		return data, nil
	}

	if !errors.Is(err, metacache.ErrMiss) {
		return nil, fmt.Errorf("error reading %q from the metadata cache: %w", key, err)
	}

	if _, _, err := r.refreshReleaseData(ctx, distribution); err != nil {
		return nil, err
	}

	data, err = r.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, metacache.ErrMiss) {
			return []byte{}, nil
		}

		return nil, fmt.Errorf("error reading %q from the metadata cache: %w", key, err)
	}

	return data, nil
}

// GetReleaseData returns the Release file and its detached signature for
// a distribution, rebuilding all metadata on a cache miss.
func (r *Repository) GetReleaseData(ctx context.Context, distribution string) ([]byte, []byte, error) {
	release, rerr := r.cache.Get(ctx, releaseKey(distribution))
	sig, serr := r.cache.Get(ctx, releaseSigKey(distribution))

	if rerr == nil && serr == nil {
		return release, sig, nil
	}

	for _, err := range []error{rerr, serr} {
		if err != nil && !errors.Is(err, metacache.ErrMiss) {
			return nil, nil, fmt.Errorf("error reading the release data from the metadata cache: %w", err)
		}
	}

	return r.refreshReleaseData(ctx, distribution)
}

// PublicKey returns the armored public key of the signing key.
func (r *Repository) PublicKey(ctx context.Context) ([]byte, error) {
	data, err := r.cache.Get(ctx, publicKeyCacheKey)
	if err == nil {
		return data, nil
	}

	if !errors.Is(err, metacache.ErrMiss) {
		return nil, fmt.Errorf("error reading the public key from the metadata cache: %w", err)
	}

	data, err = r.signer.PublicKey()
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, publicKeyCacheKey, data); err != nil {
		return nil, fmt.Errorf("error caching the public key: %w", err)
	}

	return data, nil
}

// ActionFilter narrows GetActions results.
type ActionFilter struct {
	Distribution string
	Section      string
	MinTimestamp time.Time
	MaxTimestamp time.Time
}

// GetActions returns audit rows matching the filter in chronological
// order.
func (r *Repository) GetActions(ctx context.Context, filter ActionFilter) ([]*database.Action, error) {
	dbFilter := database.ActionFilter{
		MinTimestamp: filter.MinTimestamp,
		MaxTimestamp: filter.MaxTimestamp,
	}

	if filter.Distribution != "" {
		ids, err := r.sectionIDs(ctx, filter.Distribution, filter.Section)
		if err != nil {
			return nil, err
		}

		dbFilter.SectionIDs = ids
	}

	return r.db.GetActions(ctx, dbFilter)
}

// GetHistoricalActions returns the audit rows for a distribution (or one
// of its sections) newest first.
func (r *Repository) GetHistoricalActions(
	ctx context.Context,
	distribution, section string,
) ([]*database.Action, error) {
	actions, err := r.GetActions(ctx, ActionFilter{Distribution: distribution, Section: section})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(actions)-1; i < j; i, j = i+1, j-1 {
		actions[i], actions[j] = actions[j], actions[i]
	}

	return actions, nil
}

func (r *Repository) sectionIDs(ctx context.Context, distribution, section string) ([]int64, error) {
	if section != "" {
		sec, err := r.getSection(ctx, distribution, section)
		if err != nil {
			return nil, err
		}

		return []int64{sec.ID}, nil
	}

	dist, err := r.getDistribution(ctx, distribution)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(dist.Sections))
	for _, sec := range dist.Sections {
		ids = append(ids, sec.ID)
	}

	return ids, nil
}

func (r *Repository) getSection(ctx context.Context, distribution, section string) (*database.Section, error) {
	sec, err := r.db.GetSectionByName(ctx, distribution, section)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("section %s/%s: %w", distribution, section, ErrNotFound)
		}

		return nil, err
	}

	return sec, nil
}

func (r *Repository) getDistribution(ctx context.Context, distribution string) (*database.Distribution, error) {
	dist, err := r.db.GetDistributionByName(ctx, distribution)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("distribution %s: %w", distribution, ErrNotFound)
		}

		return nil, err
	}

	return dist, nil
}

// invalidateDistribution drops every metadata cache entry of a
// distribution; the next reader triggers a rebuild under the lock.
func (r *Repository) invalidateDistribution(ctx context.Context, dist *database.Distribution) {
	// The mutation has already committed; a failed invalidation is logged
	// but does not fail the operation.
	full, err := r.getDistribution(ctx, dist.Name)
	if err == nil {
		dist = full
	}

	if err := r.cache.DeleteMany(ctx, metadataKeysForDistribution(dist)); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("distribution", dist.Name).
			Msg("error invalidating the metadata cache")
	}
}

// architectureSupported reports whether a package architecture is
// acceptable for a distribution; "all" always is.
func architectureSupported(dist *database.Distribution, architecture string) bool {
	if architecture == deb.ArchitectureAll {
		return true
	}

	for _, arch := range dist.Architectures {
		if strings.EqualFold(arch.Name, architecture) {
			return true
		}
	}

	return false
}
