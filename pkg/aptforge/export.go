package aptforge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/aptforge/aptforge/pkg/database"
)

func exportCommand(flagSources flagSourcesFn, registerShutdown registerShutdownFn) *cli.Command {
	return &cli.Command{
		Name:   "export",
		Usage:  "write the signed metadata tree of a distribution to a directory",
		Action: exportAction(registerShutdown),
		Flags: append(repoFlags(flagSources),
			&cli.StringFlag{
				Name:     "distribution",
				Usage:    "The distribution to export",
				Sources:  flagSources("repo.distribution", "REPO_DISTRIBUTION"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Usage:   "The directory to write the metadata tree into",
				Sources: flagSources("repo.export.output", "REPO_EXPORT_OUTPUT"),
				Value:   ".",
			},
		),
	}
}

func exportAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "export").Logger()

		ctx = logger.WithContext(ctx)

		ctx, env, err := newEnvironment(ctx, cmd, registerShutdown)
		if err != nil {
			return err
		}

		distribution := cmd.String("distribution")
		output := cmd.String("output")

		dist, err := env.db.GetDistributionByName(ctx, distribution)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("distribution %q: %w", distribution, err)
			}

			return err
		}

		release, sig, err := env.repo.GetReleaseData(ctx, distribution)
		if err != nil {
			return err
		}

		distDir := filepath.Join(output, "dists", distribution)

		written := 0

		if err := writeArtifact(filepath.Join(distDir, "Release"), release, &written); err != nil {
			return err
		}

		if err := writeArtifact(filepath.Join(distDir, "Release.gpg"), sig, &written); err != nil {
			return err
		}

		for _, sec := range dist.Sections {
			for _, arch := range dist.Architectures {
				archDir := filepath.Join(distDir, sec.Name, "binary-"+arch.Name)

				for _, compressed := range []bool{false, true} {
					data, err := env.repo.GetPackages(ctx, distribution, sec.Name, arch.Name, compressed)
					if err != nil {
						return err
					}

					name := "Packages"
					if compressed {
						name = "Packages.gz"
					}

					if err := writeArtifact(filepath.Join(archDir, name), data, &written); err != nil {
						return err
					}
				}
			}
		}

		publicKey, err := env.repo.PublicKey(ctx)
		if err != nil {
			return err
		}

		if err := writeArtifact(filepath.Join(output, "public-key.asc"), publicKey, &written); err != nil {
			return err
		}

		logger.Info().
			Str("distribution", distribution).
			Str("output", output).
			Int("artifacts", written).
			Msg("metadata exported")

		return nil
	}
}

func writeArtifact(path string, data []byte, written *int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating the directory for %q: %w", path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("error writing %q: %w", path, err)
	}

	*written++

	return nil
}
