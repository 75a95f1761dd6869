package jobstate

import (
	"fmt"

	"github.com/gofrs/flock"
)

// lockFile takes a non-blocking exclusive lock on path. The returned function
// unlocks and closes the file.
func lockFile(path string) (func() error, error) {
	fl := flock.New(path, flock.SetPermissions(0o644))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return fl.Unlock, nil
}
