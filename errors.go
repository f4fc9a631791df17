package embeddb

import (
	"errors"
	"fmt"
	"os"

	"github.com/embeddb/embeddb/catalog"
	"github.com/embeddb/embeddb/index"
	"github.com/embeddb/embeddb/internal/filelock"
)

var (
	// ErrNotFound is returned when a collection or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when a collection name or record id
	// already exists.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrValidation is returned for malformed input: mismatched parallel
	// array lengths, wrong vector dimensionality, empty ids, or metadata
	// that violates the collection schema.
	ErrValidation = errors.New("validation failed")

	// ErrVersionMismatch is returned by Open when the directory carries an
	// incompatible on-disk format version.
	ErrVersionMismatch = errors.New("incompatible database version")

	// ErrCorruption indicates the catalog and the vector index disagree, or
	// a file failed its integrity check. Mutations are rejected with this
	// error while the client is in read-only recovery mode.
	ErrCorruption = errors.New("database corruption detected")

	// ErrLockHeld is returned by Open when another process holds the
	// database directory's write lock.
	ErrLockHeld = errors.New("database is locked by another process")

	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrPermission wraps access failures on the database directory.
	ErrPermission = errors.New("permission denied")

	// ErrIO wraps storage failures that abort the current operation while
	// leaving previously committed state intact.
	ErrIO = errors.New("io failure")
)

// DimensionMismatchError reports a vector whose length does not match the
// collection dimensionality. It unwraps to ErrValidation.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrValidation }

// classifyFSError maps filesystem failures onto the public taxonomy.
func classifyFSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %w", ErrPermission, err)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// translateError maps internal package errors onto the public taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, catalog.ErrDuplicateName):
		return fmt.Errorf("%w: %w", ErrDuplicateName, err)
	case errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, catalog.ErrCorrupted):
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	case errors.Is(err, filelock.ErrLocked):
		return fmt.Errorf("%w: %w", ErrLockHeld, err)
	}

	var exists *index.ErrIDExists
	if errors.As(err, &exists) {
		return fmt.Errorf("%w: record id %q", ErrDuplicateName, exists.ID)
	}
	var notFound *index.ErrNotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: record id %q", ErrNotFound, notFound.ID)
	}
	var dim *index.ErrDimensionMismatch
	if errors.As(err, &dim) {
		return &DimensionMismatchError{Expected: dim.Expected, Actual: dim.Actual}
	}

	return err
}

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
