package workflow

import (
	"errors"
	"fmt"
	"time"
)

// suspendError unwinds the handler at a durable suspension point. The
// worker translates it into a sleeping/waiting job status; it is never
// surfaced to callers outside this package.
type suspendError struct {
	status JobStatus
	wakeAt time.Time
}

func (e *suspendError) Error() string {
	return fmt.Sprintf("workflow suspended (%s) until %s", e.status, e.wakeAt.Format(time.RFC3339))
}

func suspend(status JobStatus, wakeAt time.Time) error {
	return &suspendError{status: status, wakeAt: wakeAt}
}

func asSuspend(err error) (*suspendError, bool) {
	var s *suspendError
	if errors.As(err, &s) {
		return s, true
	}
	return nil, false
}

// NonRetriableError marks an error that must fail the job immediately,
// bypassing the remaining attempts. Configuration errors (missing or
// inactive schedule, invalid cron fields) use this.
type NonRetriableError struct {
	Err error
}

func (e *NonRetriableError) Error() string { return e.Err.Error() }
func (e *NonRetriableError) Unwrap() error { return e.Err }

// NonRetriable wraps err so the runtime fails the job without retrying.
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetriableError{Err: err}
}

// IsNonRetriable reports whether err carries the non-retriable marker.
func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}

// ChildError reports a child job that finished in the failed state. The
// memoized invoke step replays it deterministically.
type ChildError struct {
	JobID   string
	Message string
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child job %s failed: %s", e.JobID, e.Message)
}
