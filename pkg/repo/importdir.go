package repo

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aptforge/aptforge/pkg/deb"
)

// ImportOptions controls ImportDir.
type ImportOptions struct {
	// Recursive descends into subdirectories.
	Recursive bool

	// DryRun only discovers and logs the files that would be imported.
	DryRun bool

	// IgnoreErrors logs per-file failures and continues instead of
	// aborting on the first one.
	IgnoreErrors bool

	// Comment is recorded on every upload action.
	Comment string
}

// ImportResult reports what an import run did.
type ImportResult struct {
	Imported int
	Failed   int
}

// ImportDir walks rootDir for .deb files and adds each to the section.
func (r *Repository) ImportDir(
	ctx context.Context,
	actor Actor,
	distribution, section, rootDir string,
	opts ImportOptions,
) (ImportResult, error) {
	log := zerolog.Ctx(ctx).With().
		Str("distribution", distribution).
		Str("section", section).
		Str("root", rootDir).
		Logger()

	var result ImportResult

	err := filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if !opts.Recursive && path != rootDir {
				return fs.SkipDir
			}

			return nil
		}

		if filepath.Ext(path) != deb.Extension {
			return nil
		}

		if opts.DryRun {
			log.Info().Str("file", path).Msg("would import")

			result.Imported++

			return nil
		}

		if _, err := r.AddPackageFile(ctx, actor, distribution, section, path, opts.Comment); err != nil {
			if !opts.IgnoreErrors {
				return err
			}

			result.Failed++

			log.Error().Err(err).Str("file", path).Msg("error importing file")

			return nil
		}

		result.Imported++

		log.Info().Str("file", path).Msg("imported")

		return nil
	})
	if err != nil {
		return result, err
	}

	return result, nil
}
