package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrDuplicateInFlight = errors.New("emission already in flight")
	ErrImmutableState    = errors.New("immutable state")
	ErrAlreadySealed     = errors.New("report already sealed")
	ErrAlreadySucceeded  = errors.New("emission already succeeded")
	ErrRetryLimitReached = errors.New("emission retry limit reached")
	ErrClaimLost         = errors.New("queue claim no longer held")
	ErrRenderFailure     = errors.New("render failure")
	ErrStorageFailure    = errors.New("storage failure")
)

// TransitionError describes a rejected state change.
type TransitionError struct {
	Entity string
	From   string
	To     string
	Reason string
}

func (e TransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e TransitionError) Unwrap() error { return ErrInvalidTransition }

// ImmutableError reports a write against sealed state.
type ImmutableError struct {
	Entity string
	ID     string
	State  string
}

func (e ImmutableError) Error() string {
	return fmt.Sprintf("%s %s is immutable in state %s", e.Entity, e.ID, e.State)
}

func (e ImmutableError) Unwrap() error { return ErrImmutableState }

// Validationf returns an ErrValidation with a message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
