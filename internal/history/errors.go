package history

import "errors"

var (
	// ErrJobNotFound is returned when no job has the given id.
	ErrJobNotFound = errors.New("history: job not found")

	// ErrInvalidJob is returned when a job is missing required fields.
	ErrInvalidJob = errors.New("history: invalid job")
)
