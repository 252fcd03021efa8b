package aptforge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

// ErrSourceSectionIncomplete is returned when only one of
// --source-distribution and --source-section is given.
var ErrSourceSectionIncomplete = errors.New(
	"--source-distribution and --source-section must be given together",
)

func copyCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Aliases:   []string{"cp"},
		Usage:     "copy an existing package into another section without re-uploading it",
		ArgsUsage: "<name> <version> <architecture>",
		Action:    copyAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to copy the package to",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "section",
				Usage:    "The section to copy the package to",
				Sources:  flagSources("repo.section", "REPO_SECTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "source-distribution",
				Usage: "The distribution to copy the package from; recorded on the audit action",
			},
			&cli.StringFlag{
				Name:  "source-section",
				Usage: "The section to copy the package from; recorded on the audit action",
			},
			&cli.StringFlag{
				Name:  "comment",
				Usage: "A comment recorded on the audit action",
			},
		),
	}
}

func copyAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "copy").Logger()

		ctx = logger.WithContext(ctx)

		if cmd.Args().Len() != 3 {
			return ErrPackageIdentityRequired
		}

		srcDistribution := cmd.String("source-distribution")
		srcSection := cmd.String("source-section")

		if (srcDistribution == "") != (srcSection == "") {
			return ErrSourceSectionIncomplete
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

		distribution := cmd.String("distribution")
		section := cmd.String("section")
		comment := cmd.String("comment")

		var instanceID int64

		if srcDistribution != "" {
			srcInstanceID, err := findInstanceID(ctx, env.db, srcDistribution, srcSection, pkg.ID)
			if err != nil {
				return err
			}

			instanceID, err = env.repo.CloneInstance(ctx, env.actor, distribution, section, srcInstanceID, comment)
			if err != nil {
				return err
			}
		} else {
			instanceID, err = env.repo.ClonePackage(ctx, env.actor, distribution, section, pkg.ID, comment)
			if err != nil {
				return err
			}
		}

		logger.Info().
			Str("package", name).
			Str("version", version).
			Str("architecture", architecture).
			Str("distribution", distribution).
			Str("section", section).
			Int64("instance_id", instanceID).
			Msg("package copied")

		return nil
	}
}
