package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the host database cannot
	// serve a request: it is blocked by another handle, was closed, or
	// failed with an I/O error. Callers may retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrCorrupt is returned when stored bytes fail the envelope or
	// integrity check on read. It is never repaired automatically.
	ErrCorrupt = errors.New("stored record is corrupt")

	// ErrNotFound is returned when a key has no record.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownNamespace is returned for a namespace that has no bucket.
	ErrUnknownNamespace = errors.New("unknown namespace")

	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid record key")

	// ErrStaleVersion is returned by PutVersioned when the supplied version
	// is not newer than the stored revision.
	ErrStaleVersion = errors.New("stale record version")

	// ErrDBReversion is returned when the substrate schema version is
	// newer than this build knows about.
	ErrDBReversion = errors.New("database schema is newer than " +
		"supported, cannot downgrade")

	// ErrStoreClosed is returned once Close has been called.
	ErrStoreClosed = errors.New("store closed")
)

// IsTransient returns true for errors that are worth retrying with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// mapErr classifies an error returned from a backend transaction. Errors
// raised by this package and context errors are passed through, everything
// else coming from the substrate is reported as ErrStorageUnavailable.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnknownNamespace),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrStaleVersion),
		errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return err

	default:
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
}
