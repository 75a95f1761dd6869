package jobstate

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start when the identity is already running.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrNotRunning is returned by Finish when the identity is not running.
	ErrNotRunning = errors.New("job is not running")

	// ErrNotFound is returned by backends when no record exists.
	ErrNotFound = errors.New("job state not found")
)

// PersistError reports that a state transition completed in memory but could
// not be written to the backend.
type PersistError struct {
	Op  string
	ID  ID
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist job state %s (%s): %v", e.ID, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsPersistError returns true if err is or wraps a PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}
