package device

import (
	"errors"
	"fmt"
)

// Error kinds. Callers branch on these with errors.Is.
var (
	// ErrNotFound is returned when no device, group or mapping matches an identifier
	ErrNotFound = errors.New("not found")

	// ErrDriverBusy is returned when the bypass driver refused an attach and the
	// device did not end up on it anyway
	ErrDriverBusy = errors.New("driver busy")

	// ErrGroupConflict marks an isolation group shared with other devices.
	// It is informational and never aborts an operation.
	ErrGroupConflict = errors.New("isolation group shared")

	// ErrIOFailure covers pseudo-file reads and writes that failed for reasons
	// other than the expected races
	ErrIOFailure = errors.New("i/o failure")

	// ErrConfigUnavailable is returned when the mapping store is missing or unparseable
	ErrConfigUnavailable = errors.New("configuration unavailable")

	// ErrWrongState is returned by state checks when a device is on the wrong side
	ErrWrongState = errors.New("wrong binding state")
)

// OpError names the operation and identifier that failed.
type OpError struct {
	Op         string
	Identifier string
	Kind       error
	Err        error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Identifier != "" {
		msg += " " + e.Identifier
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", msg, e.Kind)
}

// Unwrap exposes both the kind and the underlying cause.
func (e *OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an OpError.
func NewError(op, identifier string, kind, err error) *OpError {
	return &OpError{Op: op, Identifier: identifier, Kind: kind, Err: err}
}
