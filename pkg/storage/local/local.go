// Package local implements storage.Store on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aptforge/aptforge/pkg/storage"
)

var (
	// ErrPathMustBeAbsolute is returned if the given path to New was not absolute.
	ErrPathMustBeAbsolute = errors.New("path must be absolute")

	// ErrPathMustExist is returned if the given path to New did not exist.
	ErrPathMustExist = errors.New("path must exist")

	// ErrPathMustBeADirectory is returned if the given path to New is not a directory.
	ErrPathMustBeADirectory = errors.New("path must be a directory")

	// ErrPathMustBeWritable is returned if the given path to New is not writable.
	ErrPathMustBeWritable = errors.New("path must be writable")

	// ErrPathEscapesRoot is returned if a relative path points outside the store.
	ErrPathEscapesRoot = errors.New("path escapes the store root")
)

const (
	fileMode = 0o644
	dirMode  = 0o755
)

// Store keeps package files under a root directory and implements
// storage.Store. Writes go to a temporary directory under the same root and
// are renamed into place so readers never see partial files.
type Store struct{ path string }

// New validates the root path and returns a local store rooted at it.
func New(ctx context.Context, path string) (*Store, error) {
	if err := validatePath(ctx, path); err != nil {
		return nil, err
	}

	s := &Store{path: path}

	if err := s.setupDirs(); err != nil {
		return nil, fmt.Errorf("error setting up the store directory: %w", err)
	}

	return s, nil
}

// PutFile stores the file read from body under path, replacing any existing
// file.
func (s *Store) PutFile(_ context.Context, path string, body io.Reader) (int64, error) {
	fp, err := s.absPath(path)
	if err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(s.tmpPath(), "put-*")
	if err != nil {
		return 0, fmt.Errorf("error creating the temporary file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close()
		os.Remove(f.Name())

		return 0, fmt.Errorf("error writing to the temporary file: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())

		return 0, fmt.Errorf("error closing the temporary file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(fp), dirMode); err != nil {
		os.Remove(f.Name())

		return 0, fmt.Errorf("error creating the directories for %q: %w", fp, err)
	}

	if err := os.Rename(f.Name(), fp); err != nil {
		os.Remove(f.Name())

		return 0, fmt.Errorf("error renaming into %q: %w", fp, err)
	}

	return written, os.Chmod(fp, fileMode)
}

// GetFile returns the file stored at path.
// NOTE: The caller must close the returned io.ReadCloser!
func (s *Store) GetFile(_ context.Context, path string) (int64, io.ReadCloser, error) {
	fp, err := s.absPath(path)
	if err != nil {
		return 0, nil, err
	}

	info, err := os.Stat(fp)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, storage.ErrNotFound
		}

		return 0, nil, fmt.Errorf("error stat'ing the file %q: %w", fp, err)
	}

	f, err := os.Open(fp)
	if err != nil {
		return 0, nil, fmt.Errorf("error opening the file %q: %w", fp, err)
	}

	return info.Size(), f, nil
}

// HasFile returns true if the store has a file at path.
func (s *Store) HasFile(_ context.Context, path string) bool {
	fp, err := s.absPath(path)
	if err != nil {
		return false
	}

	_, err = os.Stat(fp)

	return err == nil
}

// DeleteFile removes the file at path; a missing file is not an error.
func (s *Store) DeleteFile(_ context.Context, path string) error {
	fp, err := s.absPath(path)
	if err != nil {
		return err
	}

	if err := os.Remove(fp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting %q from the store: %w", fp, err)
	}

	return nil
}

// absPath resolves a relative store path and refuses paths that climb out
// of the root.
func (s *Store) absPath(path string) (string, error) {
	fp := filepath.Join(s.path, filepath.FromSlash(path))

	rel, err := filepath.Rel(s.path, fp)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscapesRoot, path)
	}

	return fp, nil
}

func (s *Store) tmpPath() string { return filepath.Join(s.path, "tmp") }

func (s *Store) setupDirs() error {
	if err := os.RemoveAll(s.tmpPath()); err != nil {
		return fmt.Errorf("error removing the temporary directory: %w", err)
	}

	if err := os.MkdirAll(s.tmpPath(), dirMode); err != nil {
		return fmt.Errorf("error creating the directory %q: %w", s.tmpPath(), err)
	}

	return nil
}

func validatePath(ctx context.Context, path string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(path) {
		log.Error().Str("path", path).Msg("path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", path).Msg("path does not exist")

		return ErrPathMustExist
	}

	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("error stat'ing the path")

		return fmt.Errorf("error stat'ing %q: %w", path, err)
	}

	if !info.IsDir() {
		log.Error().Str("path", path).Msg("path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(ctx, path) {
		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(ctx context.Context, path string) bool {
	tmpFile, err := os.CreateTemp(path, "write_test")
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Str("path", path).
			Msg("error writing a temp file in the path")

		return false
	}

	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	return true
}
