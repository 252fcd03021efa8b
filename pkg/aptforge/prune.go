package aptforge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/maxprocs"
	"github.com/aptforge/aptforge/pkg/repo"
)

// ErrUnknownSection is returned when a named section does not exist in
// the distribution being pruned.
var ErrUnknownSection = errors.New("unknown section")

func pruneCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:   "prune",
		Usage:  "apply the retention policy of each section, once or on a schedule",
		Action: pruneAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to prune",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "section",
				Usage:   "A section to prune; may be repeated, defaults to every section of the distribution",
				Sources: flagSources("repo.section", "REPO_SECTION"),
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Only log what would be removed",
			},
			&cli.BoolFlag{
				Name:  "check-architecture",
				Usage: "Also remove instances whose architecture the distribution no longer supports",
			},
			&cli.StringFlag{
				Name: "schedule",
				//nolint:lll
				Usage:   "The cron spec for recurring pruning. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
				Sources: flagSources("repo.prune.schedule", "REPO_PRUNE_SCHEDULE"),
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "schedule-timezone",
				Usage:   "The name of the timezone to use for the cron",
				Sources: flagSources("repo.prune.timezone", "REPO_PRUNE_SCHEDULE_TZ"),
				Value:   "Local",
			},
		),
	}
}

func pruneAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "prune").Logger()

		ctx = logger.WithContext(ctx)

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		opts := repo.PruneOptions{
			DryRun:            cmd.Bool("dry-run"),
			CheckArchitecture: cmd.Bool("check-architecture"),
		}

		distribution := cmd.String("distribution")
		sections := cmd.StringSlice("section")

		if cmd.String("schedule") == "" {
			return runPrune(ctx, env, distribution, sections, opts)
		}

		return runPruneDaemon(ctx, cmd, env, distribution, sections, opts)
	}
}

func runPrune(
	ctx context.Context,
	env *environment,
	distribution string,
	sections []string,
	opts repo.PruneOptions,
) error {
	sectionIDs, err := resolveSectionIDs(ctx, env.db, distribution, sections)
	if err != nil {
		return err
	}

	result, err := env.repo.PruneSections(ctx, env.actor, sectionIDs, opts)
	if err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("distribution", distribution).
		Int64("instances_pruned", result.InstancesPruned).
		Int64("packages_pruned", result.PackagesPruned).
		Int64("actions_pruned", result.ActionsPruned).
		Bool("dry_run", opts.DryRun).
		Msg("prune finished")

	return nil
}

// runPruneDaemon keeps the process alive and prunes on the configured
// cron schedule until interrupted. Section ids are resolved on every run
// so sections created after boot are picked up.
func runPruneDaemon(
	ctx context.Context,
	cmd *cli.Command,
	env *environment,
	distribution string,
	sections []string,
	opts repo.PruneOptions,
) error {
	logger := zerolog.Ctx(ctx)

	loc, err := time.LoadLocation(cmd.String("schedule-timezone"))
	if err != nil {
		return fmt.Errorf("error parsing the timezone %q: %w", cmd.String("schedule-timezone"), err)
	}

	schedule, err := cron.ParseStandard(cmd.String("schedule"))
	if err != nil {
		return fmt.Errorf("error parsing the cron spec %q: %w", cmd.String("schedule"), err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return maxprocs.AutoMaxProcs(ctx, 30*time.Second, *logger)
	})

	c := cron.New(cron.WithLocation(loc))

	c.Schedule(schedule, cron.FuncJob(func() {
		runLogger := logger.With().Str("run_id", uuid.New().String()).Logger()

		runCtx := runLogger.WithContext(ctx)

		if err := runPrune(runCtx, env, distribution, sections, opts); err != nil {
			runLogger.Error().Err(err).Msg("error pruning")
		}
	}))

	c.Start()

	logger.Info().
		Str("schedule", cmd.String("schedule")).
		Str("time_zone", loc.String()).
		Msg("prune scheduler started")

	<-ctx.Done()

	// let a run in flight finish before returning
	<-c.Stop().Done()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func resolveSectionIDs(
	ctx context.Context,
	db *database.DB,
	distribution string,
	sections []string,
) ([]int64, error) {
	dist, err := db.GetDistributionByName(ctx, distribution)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("distribution %q: %w", distribution, err)
		}

		return nil, err
	}

	if len(sections) == 0 {
		ids := make([]int64, 0, len(dist.Sections))
		for _, sec := range dist.Sections {
			ids = append(ids, sec.ID)
		}

		return ids, nil
	}

	byName := make(map[string]int64, len(dist.Sections))
	for _, sec := range dist.Sections {
		byName[sec.Name] = sec.ID
	}

	ids := make([]int64, 0, len(sections))

	for _, name := range sections {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q in distribution %q", ErrUnknownSection, name, distribution)
		}

		ids = append(ids, id)
	}

	return ids, nil
}
