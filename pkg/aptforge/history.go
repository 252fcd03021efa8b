package aptforge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aptforge/aptforge/pkg/repo"
)

func historyCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:   "history",
		Usage:  "print the audit log of a distribution, newest first",
		Action: historyAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to list actions for",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "section",
				Usage:   "Restrict the listing to a single section",
				Sources: flagSources("repo.section", "REPO_SECTION"),
			},
			&cli.StringFlag{
				Name:  "since",
				Usage: "Only list actions recorded at or after this RFC 3339 timestamp",
				Validator: func(s string) error {
					_, err := time.Parse(time.RFC3339, s)

					return err
				},
			},
			&cli.StringFlag{
				Name:  "until",
				Usage: "Only list actions recorded at or before this RFC 3339 timestamp",
				Validator: func(s string) error {
					_, err := time.Parse(time.RFC3339, s)

					return err
				},
			},
		),
	}
}

func historyAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "history").Logger()

		ctx = logger.WithContext(ctx)

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		filter := repo.ActionFilter{
			Distribution: cmd.String("distribution"),
			Section:      cmd.String("section"),
		}

		if s := cmd.String("since"); s != "" {
			filter.MinTimestamp, _ = time.Parse(time.RFC3339, s)
		}

		if s := cmd.String("until"); s != "" {
			filter.MaxTimestamp, _ = time.Parse(time.RFC3339, s)
		}

		actions, err := env.repo.GetActions(ctx, filter)
		if err != nil {
			return err
		}

		// newest first
		for i := len(actions) - 1; i >= 0; i-- {
			action := actions[i]

			pkg := ""
			if action.PackageName != "" {
				pkg = fmt.Sprintf(" %s %s (%s)", action.PackageName, action.Version, action.Architecture)
			}

			fmt.Fprintf(os.Stdout, "%s\t%s\t%s%s\t%s\n",
				action.CreatedAt.Format(time.RFC3339),
				action.Type,
				action.Actor,
				pkg,
				action.Summary,
			)
		}

		return nil
	}
}
