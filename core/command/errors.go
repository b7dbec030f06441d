package command

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoHandler is returned by Execute for a command type nothing was
	// registered for.
	ErrNoHandler = errors.New("no handler registered")

	ErrDuplicateHandler    = errors.New("duplicate handler")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrValidation          = errors.New("validation failed")
)

// ValidationError carries every violation found for one command.
type ValidationError struct {
	Command    string
	Violations []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Command, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() []error {
	return append([]error{ErrValidation}, e.Violations...)
}
