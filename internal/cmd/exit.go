package cmd

import (
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/snapvault/pkg/datastore"
	"github.com/3leaps/snapvault/pkg/jobstate"
	"github.com/3leaps/snapvault/pkg/task"
	"github.com/3leaps/snapvault/pkg/verify"
)

// Exit codes. Usage, lookup, service and signal failures use the Fulmen
// foundry codes; the rest are local to snapvault.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitAlreadyRunning = 3
)

var (
	ExitUsage       = int(foundry.ExitInvalidArgument)
	ExitNotFound    = int(foundry.ExitFileNotFound)
	ExitUnavailable = int(foundry.ExitExternalServiceUnavailable)
	ExitInterrupted = int(foundry.ExitSignalInt)
)

// errExit carries an exit code without extra output.
type errExit struct {
	code int
	msg  string
}

func (e *errExit) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *errExit
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.code
	case errors.Is(err, jobstate.ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, verify.ErrUnknownJob), errors.Is(err, datastore.ErrNotFound), errors.Is(err, task.ErrTaskNotFound):
		return ExitNotFound
	case errors.Is(err, datastore.ErrUnavailable):
		return ExitUnavailable
	default:
		return ExitFailure
	}
}
