package store

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrAlreadySettled   = errors.New("ticket already settled")
	ErrInvalidState     = errors.New("invalid ticket state")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTransient        = errors.New("transient store error")
	ErrDuplicateEvent   = errors.New("duplicate event")
	ErrUpstream         = errors.New("upstream provider error")
)

// TransientError marks a store failure the caller may retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err as a retryable store failure. Known sentinels pass through.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrTicketNotFound, ErrDuplicateEvent, ErrInvalidState, ErrTransient} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &TransientError{Op: op, Err: err}
}

// Validation returns an ErrValidation carrying a client-safe message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Kind returns the stable error code used at the boundary.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrInvalidState):
		return "conflict"
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTransient):
		return "transient_store_error"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
