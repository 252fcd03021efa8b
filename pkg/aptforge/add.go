package aptforge

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
)

// ErrFileArgsRequired is returned when add is invoked without any .deb files.
var ErrFileArgsRequired = errors.New("at least one .deb file argument is required")

func addCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:      "add",
		Aliases:   []string{"a"},
		Usage:     "add .deb package files to a section",
		ArgsUsage: "<file>...",
		Action:    addAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to add the packages to",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "section",
				Usage:    "The section to add the packages to",
				Sources:  flagSources("repo.section", "REPO_SECTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:  "comment",
				Usage: "A comment recorded on the audit action",
			},
		),
	}
}

func addAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "add").Logger()

		ctx = logger.WithContext(ctx)

		if cmd.Args().Len() == 0 {
			return ErrFileArgsRequired
		}

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		distribution := cmd.String("distribution")
		section := cmd.String("section")
		comment := cmd.String("comment")

		for _, filePath := range cmd.Args().Slice() {
			instanceID, err := env.repo.AddPackageFile(ctx, env.actor, distribution, section, filePath, comment)
			if err != nil {
				return err
			}

			logger.Info().
				Str("file", filePath).
				Int64("instance_id", instanceID).
				Msg("package added")
		}

		return nil
	}
}
