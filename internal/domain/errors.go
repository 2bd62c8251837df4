package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the reconciliation error taxonomy. The transport layer maps
// them to status codes (e.g. ErrAuthorization -> 403).
var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthorization  = errors.New("not authorized for transition")
	ErrConflict       = errors.New("concurrent write conflict")
	ErrTransientStore = errors.New("store temporarily unavailable")
	ErrSideEffect     = errors.New("side effect dispatch failed")
	ErrNotFound       = errors.New("not found")
)

// Error wraps a taxonomy sentinel with the operation that produced it.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds a classified error. A nil cause is allowed.
func NewError(kind error, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Validationf builds a validation error with a formatted message.
func Validationf(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func IsValidation(err error) bool    { return errors.Is(err, ErrValidation) }
func IsAuthorization(err error) bool { return errors.Is(err, ErrAuthorization) }
func IsConflict(err error) bool      { return errors.Is(err, ErrConflict) }
func IsTransient(err error) bool     { return errors.Is(err, ErrTransientStore) }
func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
