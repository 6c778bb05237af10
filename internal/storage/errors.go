package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a source or target does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when two different contents claim the same
	// identity, or when an existing object blocks the requested write.
	ErrConflict = errors.New("conflict")

	// ErrAlreadyExists is returned when a name is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnsupported is returned for operations the engine does not
	// perform, such as moving a file onto a directory.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrPathEscape is returned when a virtual path climbs above its root.
	ErrPathEscape = errors.New("path escapes root")

	// ErrInvalidName is returned for empty names or names containing separators.
	ErrInvalidName = errors.New("invalid file name")
)

// Name collisions. Both wrap ErrAlreadyExists so callers can match either
// the general or the specific case.
var (
	ErrDirExists  = fmt.Errorf("directory %w", ErrAlreadyExists)
	ErrFileExists = fmt.Errorf("file %w", ErrAlreadyExists)
)

// errDirBlocksFile is returned when a directory occupies the name a file
// write targets.
var errDirBlocksFile = fmt.Errorf("%w: %w", ErrConflict, ErrDirExists)

// existsError returns the collision error matching the object at a path.
func existsError(isDir bool) error {
	if isDir {
		return ErrDirExists
	}
	return ErrFileExists
}
