package verify

import "errors"

var (
	// ErrVerificationFailed is the job result when at least one snapshot failed.
	ErrVerificationFailed = errors.New("verification failed - please check the log for details")

	// ErrJobAborted is the job result when the run stopped early, either on a
	// datastore failure or on an abort request.
	ErrJobAborted = errors.New("verification failed - job aborted")
)

// abortedError carries the reason of an early stop while presenting the
// ErrJobAborted text.
type abortedError struct {
	cause error
}

func (e *abortedError) Error() string {
	return ErrJobAborted.Error()
}

func (e *abortedError) Unwrap() []error {
	return []error{ErrJobAborted, e.cause}
}

// jobResult computes the result of a run. An early stop wins over
// collected snapshot failures.
func jobResult(failed []string, runErr error) error {
	switch {
	case runErr != nil:
		return &abortedError{cause: runErr}
	case len(failed) > 0:
		return ErrVerificationFailed
	default:
		return nil
	}
}
