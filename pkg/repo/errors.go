package repo

import "errors"

var (
	// ErrInvalidInput is returned when the uploaded input is not acceptable,
	// such as a file without the .deb extension or a malformed control
	// paragraph.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidArchitecture is returned when a package's architecture is
	// neither "all" nor supported by the target distribution.
	ErrInvalidArchitecture = errors.New("invalid architecture")

	// ErrContentConflict is returned when a package with the same (name,
	// version, architecture) already exists with different content.
	ErrContentConflict = errors.New("content conflict")

	// ErrNotAuthorized is returned when the actor is not allowed to write to
	// the target section.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound is returned when a distribution, section, package or
	// instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOperation is returned for operations that are structurally
	// impossible, such as cloning an instance into its own section.
	ErrInvalidOperation = errors.New("invalid operation")
)
