package service

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job id is unknown
var ErrNotFound = errors.New("job not found")

// ErrNoRunner is returned by RunNow before a scheduler has been attached
var ErrNoRunner = errors.New("scheduler is not running")

// ValidationError reports bad input to a job mutation
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FatalError wraps an unexpected store failure. It halts the operation it
// occurred in and nothing else.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
