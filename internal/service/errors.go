package service

import "errors"

// ErrNotRecoverable is returned when a manual recover targets a job whose
// status no longer allows it: terminal states and fully-processed jobs.
var ErrNotRecoverable = errors.New("job is not in a recoverable state")

// ValidationError marks request-shaping failures: unknown template, bad
// variable count, empty recipient list. The API layer maps it to 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
