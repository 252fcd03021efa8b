package aptforge

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aptforge/aptforge/pkg/database"
)

var (
	// ErrPackageIdentityRequired is returned when a command expecting a
	// package identity is invoked with the wrong number of arguments.
	ErrPackageIdentityRequired = errors.New("expected arguments: <name> <version> <architecture>")

	// ErrSectionFlagsRequired is returned when remove is invoked without
	// --all-instances and without a target section.
	ErrSectionFlagsRequired = errors.New("--distribution and --section are required unless --all-instances is set")

	// ErrNoInstanceInSection is returned when the package has no instance
	// in the given section.
	ErrNoInstanceInSection = errors.New("the package has no instance in the given section")
)

func removeCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm"},
		Usage:     "remove a package from a section, or from every section at once",
		ArgsUsage: "<name> <version> <architecture>",
		Action:    removeAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:    "distribution",
				Usage:   "The distribution to remove the package from",
				Sources: flagSources("repo.distribution", "REPO_DISTRIBUTION"),
			},
			&cli.StringFlag{
				Name:    "section",
				Usage:   "The section to remove the package from",
				Sources: flagSources("repo.section", "REPO_SECTION"),
			},
			&cli.BoolFlag{
				Name:  "all-instances",
				Usage: "Remove every instance of the package across all sections and distributions",
			},
			&cli.StringFlag{
				Name:  "comment",
				Usage: "A comment recorded on the audit action",
			},
		),
	}
}

func removeAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "remove").Logger()

		ctx = logger.WithContext(ctx)

		if cmd.Args().Len() != 3 {
			return ErrPackageIdentityRequired
		}

		allInstances := cmd.Bool("all-instances")
		if !allInstances && (cmd.String("distribution") == "" || cmd.String("section") == "") {
			return ErrSectionFlagsRequired
		}

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		name, version, architecture := cmd.Args().Get(0), cmd.Args().Get(1), cmd.Args().Get(2)

		pkg, err := getPackageByIdentity(ctx, env.db, name, version, architecture)
		if err != nil {
			return err
		}

		comment := cmd.String("comment")

		if allInstances {
			if err := env.repo.RemoveAllInstances(ctx, env.actor, pkg.ID, comment); err != nil {
				return err
			}

			logger.Info().
				Str("package", name).
				Str("version", version).
				Str("architecture", architecture).
				Msg("all package instances removed")

			return nil
		}

		instanceID, err := findInstanceID(ctx, env.db, cmd.String("distribution"), cmd.String("section"), pkg.ID)
		if err != nil {
			return err
		}

		if err := env.repo.RemovePackage(ctx, env.actor, instanceID, comment); err != nil {
			return err
		}

		logger.Info().
			Str("package", name).
			Str("version", version).
			Str("architecture", architecture).
			Str("distribution", cmd.String("distribution")).
			Str("section", cmd.String("section")).
			Msg("package removed")

		return nil
	}
}

func getPackageByIdentity(
	ctx context.Context,
	db *database.DB,
	name, version, architecture string,
) (*database.Package, error) {
	pkg, err := db.GetPackageByIdentity(ctx, name, version, architecture)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("package %s %s (%s): %w", name, version, architecture, err)
		}

		return nil, err
	}

	return pkg, nil
}

// findInstanceID resolves the instance of a package in one section.
func findInstanceID(
	ctx context.Context,
	db *database.DB,
	distribution, section string,
	packageID int64,
) (int64, error) {
	sec, err := db.GetSectionByName(ctx, distribution, section)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, fmt.Errorf("section %s/%s: %w", distribution, section, err)
		}

		return 0, err
	}

	instances, err := db.GetPackageInstancesForPackage(ctx, packageID)
	if err != nil {
		return 0, err
	}

	for _, instance := range instances {
		if instance.SectionID == sec.ID {
			return instance.ID, nil
		}
	}

	return 0, fmt.Errorf("%w: %s/%s", ErrNoInstanceInSection, distribution, section)
}
