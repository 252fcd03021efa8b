package repo

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/deb"
)

// PruneOptions controls PruneSections.
type PruneOptions struct {
	// DryRun computes and logs what would be removed without mutating
	// anything.
	DryRun bool

	// CheckArchitecture removes instances whose package architecture is no
	// longer supported by the distribution.
	CheckArchitecture bool
}

// PruneResult aggregates what pruning removed across all sections.
type PruneResult struct {
	InstancesPruned int64
	PackagesPruned  int64
	ActionsPruned   int64
}

// PruneSections applies each section's retention policy: drop instances
// of retired architectures, keep only the newest versions per (name,
// architecture) up to the section's package prune limit, trim the audit
// log to the section's action prune limit, then sweep packages left
// without any instance. Returns aggregate counts.
func (r *Repository) PruneSections(
	ctx context.Context,
	actor Actor,
	sectionIDs []int64,
	opts PruneOptions,
) (PruneResult, error) {
	ctx, span := tracer.Start(ctx, "repo.PruneSections")
	defer span.End()

	var result PruneResult

	sections, err := r.db.GetSectionsByIDs(ctx, sectionIDs)
	if err != nil {
		return result, err
	}

	touched := make(map[string]*database.Distribution)

	for _, sec := range sections {
		if !r.auth.Authorized(sec, actor) {
			return result, fmt.Errorf("%w: %q may not prune section %q", ErrNotAuthorized, actor.Name, sec.Name)
		}

		pruned, err := r.pruneSection(ctx, actor, sec, opts)
		if err != nil {
			return result, err
		}

		result.InstancesPruned += pruned.InstancesPruned
		result.ActionsPruned += pruned.ActionsPruned

		if pruned.InstancesPruned > 0 || pruned.ActionsPruned > 0 {
			touched[sec.Distribution.Name] = sec.Distribution
		}
	}

	packagesPruned, err := r.sweepOrphanPackages(ctx, opts.DryRun)
	if err != nil {
		return result, err
	}

	result.PackagesPruned = packagesPruned

	if !opts.DryRun {
		for _, dist := range touched {
			r.invalidateDistribution(ctx, dist)
		}

		instancesPrunedTotal.Add(ctx, result.InstancesPruned)
	}

	zerolog.Ctx(ctx).Info().
		Bool("dry_run", opts.DryRun).
		Int64("instances_pruned", result.InstancesPruned).
		Int64("packages_pruned", result.PackagesPruned).
		Int64("actions_pruned", result.ActionsPruned).
		Msg("prune finished")

	return result, nil
}

func (r *Repository) pruneSection(
	ctx context.Context,
	actor Actor,
	sec *database.Section,
	opts PruneOptions,
) (PruneResult, error) {
	log := zerolog.Ctx(ctx).With().
		Str("distribution", sec.Distribution.Name).
		Str("section", sec.Name).
		Bool("dry_run", opts.DryRun).
		Logger()

	var result PruneResult

	instances, err := r.db.GetPackageInstancesForSection(ctx, sec.ID)
	if err != nil {
		return result, err
	}

	var condemned []*database.PackageInstance

	if opts.CheckArchitecture {
		var kept []*database.PackageInstance

		for _, instance := range instances {
			if architectureSupported(sec.Distribution, instance.Package.Architecture) {
				kept = append(kept, instance)

				continue
			}

			log.Info().
				Str("package", instance.Package.Name).
				Str("architecture", instance.Package.Architecture).
				Msg("pruning instance with unsupported architecture")

			condemned = append(condemned, instance)
		}

		instances = kept
	}

	if sec.PackagePruneLimit > 0 {
		condemned = append(condemned, oldVersionInstances(instances, sec.PackagePruneLimit)...)
	}

	for _, instance := range condemned {
		log.Info().
			Str("package", instance.Package.Name).
			Str("version", instance.Package.Version).
			Str("architecture", instance.Package.Architecture).
			Msg("pruning package instance")
	}

	if !opts.DryRun && len(condemned) > 0 {
		ids := make([]int64, 0, len(condemned))
		for _, instance := range condemned {
			ids = append(ids, instance.ID)
		}

		deleted, err := r.db.DeletePackageInstances(ctx, ids)
		if err != nil {
			return result, err
		}

		result.InstancesPruned = deleted

		err = r.db.CreateAction(ctx, &database.Action{
			Type:      database.ActionTypePrune,
			SectionID: sec.ID,
			Actor:     actor.Name,
			Summary: fmt.Sprintf("pruned %d package instance(s) from %s/%s",
				deleted, sec.Distribution.Name, sec.Name),
		})
		if err != nil {
			return result, err
		}
	} else {
		result.InstancesPruned = int64(len(condemned))
	}

	if sec.ActionPruneLimit > 0 {
		if opts.DryRun {
			actions, err := r.db.GetActions(ctx, database.ActionFilter{SectionIDs: []int64{sec.ID}})
			if err != nil {
				return result, err
			}

			if excess := len(actions) - sec.ActionPruneLimit; excess > 0 {
				result.ActionsPruned = int64(excess)
			}
		} else {
			trimmed, err := r.db.TrimActionsForSection(ctx, sec.ID, sec.ActionPruneLimit)
			if err != nil {
				return result, err
			}

			result.ActionsPruned = trimmed
		}
	}

	return result, nil
}

// oldVersionInstances returns the instances beyond the newest keep
// versions within each (package name, architecture) group, ordered by
// Debian version comparison.
func oldVersionInstances(instances []*database.PackageInstance, keep int) []*database.PackageInstance {
	type groupKey struct {
		name string
		arch string
	}

	groups := make(map[groupKey][]*database.PackageInstance)

	for _, instance := range instances {
		key := groupKey{name: instance.Package.Name, arch: instance.Package.Architecture}
		groups[key] = append(groups[key], instance)
	}

	var condemned []*database.PackageInstance

	for _, group := range groups {
		if len(group) <= keep {
			continue
		}

		sort.Slice(group, func(i, j int) bool {
			return deb.CompareVersions(group[i].Package.Version, group[j].Package.Version) > 0
		})

		condemned = append(condemned, group[keep:]...)
	}

	return condemned
}

// sweepOrphanPackages deletes every package with zero remaining instances
// along with its stored file.
func (r *Repository) sweepOrphanPackages(ctx context.Context, dryRun bool) (int64, error) {
	orphans, err := r.db.GetOrphanPackages(ctx)
	if err != nil {
		return 0, err
	}

	for _, pkg := range orphans {
		zerolog.Ctx(ctx).Info().
			Str("package", pkg.Name).
			Str("version", pkg.Version).
			Str("architecture", pkg.Architecture).
			Bool("dry_run", dryRun).
			Msg("deleting orphaned package")

		if dryRun {
			continue
		}

		if err := r.db.DeletePackage(ctx, pkg.ID); err != nil {
			return 0, err
		}

		if err := r.store.DeleteFile(ctx, pkg.Path); err != nil {
			return 0, fmt.Errorf("error deleting the stored file %q: %w", pkg.Path, err)
		}
	}

	return int64(len(orphans)), nil
}
