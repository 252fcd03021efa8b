package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// CreateDistributionParams holds parameters for creating a distribution.
type CreateDistributionParams struct {
	Name        string
	Description string
	Label       string
	Suite       string
	Origin      string

	// Architectures lists the supported architecture names; missing rows
	// are created.
	Architectures []string
}

// CreateDistribution creates a distribution along with its supported
// architectures.
func (d *DB) CreateDistribution(ctx context.Context, params CreateDistributionParams) (*Distribution, error) {
	dist := &Distribution{
		Name:        params.Name,
		Description: params.Description,
		Label:       params.Label,
		Suite:       params.Suite,
		Origin:      params.Origin,
		CreatedAt:   time.Now().UTC(),
	}

	err := d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		if _, err := tx.db.NewInsert().Model(dist).Exec(ctx); err != nil {
			return fmt.Errorf("error inserting the distribution %q: %w", params.Name, err)
		}

		for _, name := range params.Architectures {
			arch, err := tx.getOrCreateArchitecture(ctx, name)
			if err != nil {
				return err
			}

			join := &DistributionArchitecture{
				DistributionID: dist.ID,
				ArchitectureID: arch.ID,
			}

			if _, err := tx.db.NewInsert().Model(join).Exec(ctx); err != nil {
				return fmt.Errorf("error linking architecture %q to distribution %q: %w",
					name, params.Name, err)
			}

			dist.Architectures = append(dist.Architectures, arch)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return dist, nil
}

// GetDistributionByName returns the distribution with its supported
// architectures and sections loaded.
func (d *DB) GetDistributionByName(ctx context.Context, name string) (*Distribution, error) {
	dist := &Distribution{}

	err := d.db.NewSelect().
		Model(dist).
		Relation("Architectures").
		Relation("Sections").
		Where("d.name = ?", name).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("distribution %q: %w", name, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the distribution %q: %w", name, err)
	}

	return dist, nil
}

func (d *DB) getOrCreateArchitecture(ctx context.Context, name string) (*Architecture, error) {
	arch := &Architecture{}

	err := d.db.NewSelect().Model(arch).Where("a.name = ?", name).Scan(ctx)
	if err == nil {
		return arch, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("error querying the architecture %q: %w", name, err)
	}

	arch = &Architecture{Name: name}

	if _, err := d.db.NewInsert().Model(arch).Exec(ctx); err != nil {
		return nil, fmt.Errorf("error inserting the architecture %q: %w", name, err)
	}

	return arch, nil
}

// CreateSectionParams holds parameters for creating a section.
type CreateSectionParams struct {
	DistributionID       int64
	Name                 string
	Description          string
	PackagePruneLimit    int
	ActionPruneLimit     int
	EnforceAuthorization bool
	AuthorizedUsers      string
	AuthorizedGroups     string
}

// CreateSection creates a section within a distribution.
func (d *DB) CreateSection(ctx context.Context, params CreateSectionParams) (*Section, error) {
	section := &Section{
		DistributionID:       params.DistributionID,
		Name:                 params.Name,
		Description:          params.Description,
		PackagePruneLimit:    params.PackagePruneLimit,
		ActionPruneLimit:     params.ActionPruneLimit,
		EnforceAuthorization: params.EnforceAuthorization,
		AuthorizedUsers:      params.AuthorizedUsers,
		AuthorizedGroups:     params.AuthorizedGroups,
		CreatedAt:            time.Now().UTC(),
	}

	if _, err := d.db.NewInsert().Model(section).Exec(ctx); err != nil {
		return nil, fmt.Errorf("error inserting the section %q: %w", params.Name, err)
	}

	return section, nil
}

// GetSectionByName returns the named section of a distribution with the
// distribution and its architectures loaded.
func (d *DB) GetSectionByName(ctx context.Context, distribution, section string) (*Section, error) {
	s := &Section{}

	err := d.db.NewSelect().
		Model(s).
		Relation("Distribution").
		Relation("Distribution.Architectures").
		Where("s.name = ?", section).
		Where("distribution.name = ?", distribution).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("section %q/%q: %w", distribution, section, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the section %q/%q: %w", distribution, section, err)
	}

	return s, nil
}

// GetSectionByID returns a section with the distribution and its
// architectures loaded.
func (d *DB) GetSectionByID(ctx context.Context, id int64) (*Section, error) {
	s := &Section{}

	err := d.db.NewSelect().
		Model(s).
		Relation("Distribution").
		Relation("Distribution.Architectures").
		Where("s.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("section %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the section %d: %w", id, err)
	}

	return s, nil
}

// GetSectionsByIDs returns all sections matching ids with their
// distributions and architectures loaded.
func (d *DB) GetSectionsByIDs(ctx context.Context, ids []int64) ([]*Section, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var sections []*Section

	err := d.db.NewSelect().
		Model(&sections).
		Relation("Distribution").
		Relation("Distribution.Architectures").
		Where("s.id IN (?)", bun.In(ids)).
		Order("s.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying sections: %w", err)
	}

	return sections, nil
}

// GetPackageByIdentity returns the package with the given (name, version,
// architecture) triple.
func (d *DB) GetPackageByIdentity(ctx context.Context, name, version, architecture string) (*Package, error) {
	pkg := &Package{}

	err := d.db.NewSelect().
		Model(pkg).
		Where("p.name = ?", name).
		Where("p.version = ?", version).
		Where("p.architecture = ?", architecture).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("package (%s, %s, %s): %w", name, version, architecture, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the package (%s, %s, %s): %w",
			name, version, architecture, err)
	}

	return pkg, nil
}

// GetPackageByID returns the package with the given id.
func (d *DB) GetPackageByID(ctx context.Context, id int64) (*Package, error) {
	pkg := &Package{}

	err := d.db.NewSelect().Model(pkg).Where("p.id = ?", id).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("package %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the package %d: %w", id, err)
	}

	return pkg, nil
}

// CreatePackage inserts the package and populates its id.
func (d *DB) CreatePackage(ctx context.Context, pkg *Package) error {
	if pkg.CreatedAt.IsZero() {
		pkg.CreatedAt = time.Now().UTC()
	}

	if _, err := d.db.NewInsert().Model(pkg).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting the package (%s, %s, %s): %w",
			pkg.Name, pkg.Version, pkg.Architecture, err)
	}

	return nil
}

// DeletePackage removes the package row and nulls the denormalized
// package reference on audit rows.
func (d *DB) DeletePackage(ctx context.Context, id int64) error {
	return d.RunInTx(ctx, func(ctx context.Context, tx *DB) error {
		_, err := tx.db.NewUpdate().
			Model((*Action)(nil)).
			Set("package_id = NULL").
			Where("package_id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error detaching actions from package %d: %w", id, err)
		}

		if _, err := tx.db.NewDelete().Model((*Package)(nil)).Where("id = ?", id).Exec(ctx); err != nil {
			return fmt.Errorf("error deleting the package %d: %w", id, err)
		}

		return nil
	})
}

// GetOrphanPackages returns every package with zero remaining instances.
func (d *DB) GetOrphanPackages(ctx context.Context) ([]*Package, error) {
	var pkgs []*Package

	err := d.db.NewSelect().
		Model(&pkgs).
		Join("LEFT JOIN package_instances AS pi ON pi.package_id = p.id").
		Where("pi.id IS NULL").
		Order("p.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying orphan packages: %w", err)
	}

	return pkgs, nil
}

// GetOrCreatePackageInstance returns the instance placing the package in
// the section, creating it if absent. The second return reports whether a
// new instance was created.
func (d *DB) GetOrCreatePackageInstance(
	ctx context.Context,
	packageID, sectionID int64,
	creator string,
) (*PackageInstance, bool, error) {
	instance := &PackageInstance{}

	err := d.db.NewSelect().
		Model(instance).
		Where("pi.package_id = ?", packageID).
		Where("pi.section_id = ?", sectionID).
		Scan(ctx)
	if err == nil {
		return instance, false, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("error querying the package instance: %w", err)
	}

	instance = &PackageInstance{
		PackageID: packageID,
		SectionID: sectionID,
		Creator:   creator,
		CreatedAt: time.Now().UTC(),
	}

	if _, err := d.db.NewInsert().Model(instance).Exec(ctx); err != nil {
		if IsDuplicateKeyError(err) {
			// Lost the race to a concurrent writer; fetch theirs.
			existing := &PackageInstance{}

			serr := d.db.NewSelect().
				Model(existing).
				Where("pi.package_id = ?", packageID).
				Where("pi.section_id = ?", sectionID).
				Scan(ctx)
			if serr != nil {
				return nil, false, fmt.Errorf("error re-querying the package instance: %w", serr)
			}

			return existing, false, nil
		}

		return nil, false, fmt.Errorf("error inserting the package instance: %w", err)
	}

	return instance, true, nil
}

// GetPackageInstanceByID returns the instance with its package, section
// and distribution loaded.
func (d *DB) GetPackageInstanceByID(ctx context.Context, id int64) (*PackageInstance, error) {
	instance := &PackageInstance{}

	err := d.db.NewSelect().
		Model(instance).
		Relation("Package").
		Relation("Section").
		Relation("Section.Distribution").
		Where("pi.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("package instance %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("error querying the package instance %d: %w", id, err)
	}

	return instance, nil
}

// GetPackageInstancesForSection returns every instance in a section with
// its package loaded, ordered by package name, architecture and id so
// metadata generation is deterministic.
func (d *DB) GetPackageInstancesForSection(ctx context.Context, sectionID int64) ([]*PackageInstance, error) {
	var instances []*PackageInstance

	err := d.db.NewSelect().
		Model(&instances).
		Relation("Package").
		Where("pi.section_id = ?", sectionID).
		Order("package.name ASC", "package.architecture ASC", "pi.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying instances for section %d: %w", sectionID, err)
	}

	return instances, nil
}

// GetPackageInstancesForPackage returns every instance referencing the
// package, with sections and distributions loaded.
func (d *DB) GetPackageInstancesForPackage(ctx context.Context, packageID int64) ([]*PackageInstance, error) {
	var instances []*PackageInstance

	err := d.db.NewSelect().
		Model(&instances).
		Relation("Section").
		Relation("Section.Distribution").
		Where("pi.package_id = ?", packageID).
		Order("pi.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error querying instances for package %d: %w", packageID, err)
	}

	return instances, nil
}

// CountPackageInstances returns how many instances reference the package.
func (d *DB) CountPackageInstances(ctx context.Context, packageID int64) (int, error) {
	count, err := d.db.NewSelect().
		Model((*PackageInstance)(nil)).
		Where("pi.package_id = ?", packageID).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("error counting instances for package %d: %w", packageID, err)
	}

	return count, nil
}

// DeletePackageInstance removes one instance.
func (d *DB) DeletePackageInstance(ctx context.Context, id int64) error {
	_, err := d.db.NewDelete().Model((*PackageInstance)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("error deleting the package instance %d: %w", id, err)
	}

	return nil
}

// DeletePackageInstances removes all instances matching ids and reports
// how many rows were deleted.
func (d *DB) DeletePackageInstances(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := d.db.NewDelete().
		Model((*PackageInstance)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error deleting package instances: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading the affected row count: %w", err)
	}

	return deleted, nil
}

// CreateAction appends one audit row and populates its id.
func (d *DB) CreateAction(ctx context.Context, action *Action) error {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	if _, err := d.db.NewInsert().Model(action).Exec(ctx); err != nil {
		return fmt.Errorf("error inserting the action: %w", err)
	}

	return nil
}

// ActionFilter narrows GetActions results. Zero values mean "no bound".
type ActionFilter struct {
	SectionIDs   []int64
	MinTimestamp time.Time
	MaxTimestamp time.Time
}

// GetActions returns audit rows matching the filter in chronological
// order.
func (d *DB) GetActions(ctx context.Context, filter ActionFilter) ([]*Action, error) {
	var actions []*Action

	q := d.db.NewSelect().Model(&actions)

	if len(filter.SectionIDs) > 0 {
		q = q.Where("ac.section_id IN (?)", bun.In(filter.SectionIDs))
	}

	if !filter.MinTimestamp.IsZero() {
		q = q.Where("ac.created_at >= ?", filter.MinTimestamp)
	}

	if !filter.MaxTimestamp.IsZero() {
		q = q.Where("ac.created_at <= ?", filter.MaxTimestamp)
	}

	if err := q.Order("ac.created_at ASC", "ac.id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("error querying actions: %w", err)
	}

	return actions, nil
}

// TrimActionsForSection keeps only the newest keep audit rows for the
// section and reports how many were deleted.
func (d *DB) TrimActionsForSection(ctx context.Context, sectionID int64, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	keepIDs := d.db.NewSelect().
		Model((*Action)(nil)).
		Column("ac.id").
		Where("ac.section_id = ?", sectionID).
		Order("ac.created_at DESC", "ac.id DESC").
		Limit(keep)

	res, err := d.db.NewDelete().
		Model((*Action)(nil)).
		Where("section_id = ?", sectionID).
		Where("id NOT IN (?)", keepIDs).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("error trimming actions for section %d: %w", sectionID, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error reading the affected row count: %w", err)
	}

	return deleted, nil
}
