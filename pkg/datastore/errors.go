package datastore

import (
	"errors"
	"fmt"
)

// Sentinel errors for datastore lookup and access.
var (
	// ErrNotFound indicates no datastore is configured under the requested name.
	ErrNotFound = errors.New("datastore not found")

	// ErrUnavailable indicates the datastore exists but cannot be used right now
	// (offline maintenance, missing root, unreachable bucket).
	ErrUnavailable = errors.New("datastore unavailable")

	// ErrSnapshotNotFound indicates a snapshot or one of its files is missing.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrChecksumMismatch indicates a file's content does not match its manifest entry.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInvalidManifest indicates a snapshot manifest could not be parsed.
	ErrInvalidManifest = errors.New("invalid snapshot manifest")
)

// MachineryError marks a failure of the datastore itself rather than of a
// single snapshot. A verification run stops on the first MachineryError.
type MachineryError struct {
	// Op is the operation that failed (e.g., "list", "verify").
	Op string

	// Store is the datastore name.
	Store string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *MachineryError) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("datastore %s: %s: %v", e.Store, e.Op, e.Err)
	}
	return fmt.Sprintf("datastore %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *MachineryError) Unwrap() error {
	return e.Err
}

// Machinery wraps err as a MachineryError. A nil err yields nil.
func Machinery(store, op string, err error) error {
	if err == nil {
		return nil
	}
	var me *MachineryError
	if errors.As(err, &me) {
		return err
	}
	return &MachineryError{Op: op, Store: store, Err: err}
}

// IsMachinery returns true if err (or anything it wraps) is a MachineryError.
func IsMachinery(err error) bool {
	var me *MachineryError
	return errors.As(err, &me)
}

// IsNotFound returns true if the error indicates an unknown datastore.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable returns true if the error indicates the datastore cannot be used.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
