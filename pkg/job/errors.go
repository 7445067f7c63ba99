package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrInvalidState indicates a precondition was violated: a duplicate
	// exclusive start, a job without an id, or a job that will not stop.
	ErrInvalidState = errors.New("invalid job state")

	// ErrNotFound indicates no registered job has the requested id.
	ErrNotFound = errors.New("job not found")
)

// IsInvalidState returns true if the error indicates a violated precondition.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates an unknown job id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func invalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
