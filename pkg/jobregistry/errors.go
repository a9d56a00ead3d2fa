package jobregistry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrDuplicateJob indicates a job with the same id is already registered.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrUnknownJob indicates no job with the given id exists.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidTransition indicates the requested status is not reachable
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidJob indicates a malformed job id or transition request.
	ErrInvalidJob = errors.New("invalid job")

	// ErrStoreUnavailable indicates the durable job store could not be written.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	JobID string
	From  JobStatus
	To    JobStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition %s -> %s", e.JobID, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition for errors.Is support.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsDuplicateJob returns true if the error indicates a duplicate registration.
func IsDuplicateJob(err error) bool {
	return errors.Is(err, ErrDuplicateJob)
}

// IsUnknownJob returns true if the error indicates the job does not exist.
func IsUnknownJob(err error) bool {
	return errors.Is(err, ErrUnknownJob)
}

// IsInvalidTransition returns true if the error indicates a rejected transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}
