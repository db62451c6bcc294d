package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned when a job with the same id already exists.
	ErrDuplicateJob = errors.New("jobs: duplicate job id")
	// ErrLeaseLost is returned when a worker no longer owns the job it is settling.
	ErrLeaseLost = errors.New("jobs: lease lost")
	// ErrStalled is recorded on jobs whose lease expired without a heartbeat.
	ErrStalled = errors.New("jobs: lease expired without heartbeat")
)

// NoRetry marks a handler error as permanent so the job fails immediately
// instead of consuming its remaining attempts.
//
//	return jobs.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

type panicError struct{ value any }

func (e panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }
