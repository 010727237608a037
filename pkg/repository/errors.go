package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when reading a path that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDestinationExists is returned when a save or move target is occupied.
	ErrDestinationExists = errors.New("destination exists")
	// ErrChecksumMismatch is returned when received bytes do not match the declared checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrLocked is returned by encrypted backends that have not been unlocked.
	ErrLocked = errors.New("repository locked")
)

// PathError records a failed repository operation on a path.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

// NotFound returns a PathError wrapping ErrNotFound.
func NotFound(op, path string) error {
	return &PathError{Op: op, Path: path, Err: ErrNotFound}
}

// DestinationExists returns a PathError wrapping ErrDestinationExists.
func DestinationExists(op, path string) error {
	return &PathError{Op: op, Path: path, Err: ErrDestinationExists}
}

// ChecksumMismatchError describes content that did not match its declared identity.
type ChecksumMismatchError struct {
	Path     string
	Expected FileInfo
	Actual   FileInfo
}

func (e *ChecksumMismatchError) Error() string {
	if e.Expected.Length != e.Actual.Length {
		return fmt.Sprintf("checksum mismatch for %s: expected %d bytes, got %d", e.Path, e.Expected.Length, e.Actual.Length)
	}
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected.ChecksumSHA256, e.Actual.ChecksumSHA256)
}

// Is reports ErrChecksumMismatch equivalence.
func (e *ChecksumMismatchError) Is(target error) bool {
	return target == ErrChecksumMismatch
}
