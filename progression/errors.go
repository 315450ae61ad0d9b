package progression

import (
	"errors"
	"fmt"
)

// ErrInvalidInterval is returned by Engine.Start for a non-positive interval.
var ErrInvalidInterval = errors.New("sweep interval must be a positive number of minutes")

// ValidationError rejects a rule or pipeline definition before it is stored.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a reference to an unknown rule, lead, or tenant.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError wraps a store write that failed after its retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// SignalProviderError wraps a per-lead signal read failure. It is contained
// to the lead it names and never aborts a sweep.
type SignalProviderError struct {
	LeadID string
	Err    error
}

func (e *SignalProviderError) Error() string {
	return fmt.Sprintf("signal provider failed for lead %s: %v", e.LeadID, e.Err)
}
func (e *SignalProviderError) Unwrap() error { return e.Err }
