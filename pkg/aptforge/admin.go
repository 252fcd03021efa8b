package aptforge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aptforge/aptforge/pkg/database"
)

func migrateCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "create the database schema",
		Flags: databaseFlags(flagSources),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "migrate").Logger()

			ctx = logger.WithContext(ctx)

			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}

			//nolint:errcheck
			defer db.Close()

			if err := db.CreateSchema(ctx); err != nil {
				return err
			}

			logger.Info().Msg("database schema created")

			return nil
		},
	}
}

func createDistributionCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "create-distribution",
		Usage: "create a distribution with its supported architectures",
		Flags: append(databaseFlags(flagSources),
			&cli.StringFlag{
				Name:     "name",
				Usage:    "The name of the distribution (e.g., bookworm)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "description",
				Usage: "A free-form description, written into the Release file",
			},
			&cli.StringFlag{
				Name:  "label",
				Usage: "The Label field of the Release file",
			},
			&cli.StringFlag{
				Name:  "suite",
				Usage: "The Suite field of the Release file (e.g., stable)",
			},
			&cli.StringFlag{
				Name:  "origin",
				Usage: "The Origin field of the Release file",
			},
			&cli.StringSliceFlag{
				Name:     "architecture",
				Usage:    "An architecture the distribution supports; may be repeated",
				Required: true,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "create-distribution").Logger()

			ctx = logger.WithContext(ctx)

			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}

			//nolint:errcheck
			defer db.Close()

			dist, err := db.CreateDistribution(ctx, database.CreateDistributionParams{
				Name:          cmd.String("name"),
				Description:   cmd.String("description"),
				Label:         cmd.String("label"),
				Suite:         cmd.String("suite"),
				Origin:        cmd.String("origin"),
				Architectures: cmd.StringSlice("architecture"),
			})
			if err != nil {
				return err
			}

			logger.Info().
				Str("name", dist.Name).
				Int64("id", dist.ID).
				Strs("architectures", cmd.StringSlice("architecture")).
				Msg("distribution created")

			return nil
		},
	}
}

func createSectionCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "create-section",
		Usage: "create a section within a distribution",
		Flags: append(databaseFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution the section belongs to",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "name",
				Usage:    "The name of the section (e.g., main)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "description",
				Usage: "A free-form description of the section",
			},
			&cli.IntFlag{
				Name:  "package-prune-limit",
				Usage: "How many versions of a package to keep when pruning (0 = keep everything)",
			},
			&cli.IntFlag{
				Name:  "action-prune-limit",
				Usage: "How many audit actions to keep when pruning (0 = keep everything)",
			},
			&cli.BoolFlag{
				Name:  "enforce-authorization",
				Usage: "Restrict writes to the authorized users and groups",
			},
			&cli.StringSliceFlag{
				Name:  "authorized-user",
				Usage: "A user allowed to write to the section; may be repeated",
			},
			&cli.StringSliceFlag{
				Name:  "authorized-group",
				Usage: "A group allowed to write to the section; may be repeated",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "create-section").Logger()

			ctx = logger.WithContext(ctx)

			db, err := openDatabase(cmd)
			if err != nil {
				return err
			}

			//nolint:errcheck
			defer db.Close()

			dist, err := db.GetDistributionByName(ctx, cmd.String("distribution"))
			if err != nil {
				if errors.Is(err, database.ErrNotFound) {
					return fmt.Errorf("distribution %q: %w", cmd.String("distribution"), err)
				}

				return err
			}

			section, err := db.CreateSection(ctx, database.CreateSectionParams{
				DistributionID:       dist.ID,
				Name:                 cmd.String("name"),
				Description:          cmd.String("description"),
				PackagePruneLimit:    cmd.Int("package-prune-limit"),
				ActionPruneLimit:     cmd.Int("action-prune-limit"),
				EnforceAuthorization: cmd.Bool("enforce-authorization"),
				AuthorizedUsers:      strings.Join(cmd.StringSlice("authorized-user"), ","),
				AuthorizedGroups:     strings.Join(cmd.StringSlice("authorized-group"), ","),
			})
			if err != nil {
				return err
			}

			logger.Info().
				Str("distribution", dist.Name).
				Str("name", section.Name).
				Int64("id", section.ID).
				Msg("section created")

			return nil
		},
	}
}
