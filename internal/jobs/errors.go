package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when the requested state change is
	// not legal from the job's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrEmptyItems is returned when a job is submitted without items.
	ErrEmptyItems = errors.New("job has no items")
	// ErrUnknownKind is returned when no processor is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrStaleRunner is returned when a runner writes progress for a
	// generation that has since been superseded by a resume.
	ErrStaleRunner = errors.New("runner generation superseded")
	// ErrAlreadyExists is returned when a job id is inserted twice.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrLeaseHeld is returned when another runner currently owns the job.
	ErrLeaseHeld = errors.New("job lease held by another runner")
)

// TransitionError describes a rejected state change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot move from %s to %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
