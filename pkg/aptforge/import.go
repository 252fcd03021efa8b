package aptforge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aptforge/aptforge/pkg/repo"
)

// ErrDirArgRequired is returned when import is invoked without a directory.
var ErrDirArgRequired = errors.New("a directory argument is required")

func importCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "import all .deb files found in a directory into a section",
		ArgsUsage: "<directory>",
		Action:    importAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to import the packages into",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "section",
				Usage:    "The section to import the packages into",
				Sources:  flagSources("repo.section", "REPO_SECTION"),
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "recursive",
				Usage: "Descend into subdirectories",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Only log the files that would be imported",
			},
			&cli.BoolFlag{
				Name:  "ignore-errors",
				Usage: "Log per-file failures and continue instead of aborting on the first one",
			},
			&cli.StringFlag{
				Name:  "comment",
				Usage: "A comment recorded on every upload action",
			},
		),
	}
}

func importAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "import").Logger()

		ctx = logger.WithContext(ctx)

		if cmd.Args().Len() != 1 {
			return ErrDirArgRequired
		}

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		result, err := env.repo.ImportDir(
			ctx,
			env.actor,
			cmd.String("distribution"),
			cmd.String("section"),
			cmd.Args().First(),
			repo.ImportOptions{
				Recursive:    cmd.Bool("recursive"),
				DryRun:       cmd.Bool("dry-run"),
				IgnoreErrors: cmd.Bool("ignore-errors"),
				Comment:      cmd.String("comment"),
			},
		)
		if err != nil {
			return err
		}

		logger.Info().
			Int("imported", result.Imported).
			Int("failed", result.Failed).
			Bool("dry_run", cmd.Bool("dry-run")).
			Msg("import finished")

		return nil
	}
}
