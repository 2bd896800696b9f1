// Package apperr defines the error kinds shared by the marketplace services.
//
// Packages declare their own sentinels on top of these kinds, e.g.
//
//	var ErrChatNotFound = fmt.Errorf("chat %w", apperr.ErrNotFound)
//
// so handlers and tools can classify any error with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("not authorized for this operation")
	ErrInvalidState = errors.New("invalid deal status for this operation")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("record store failure")
)

// Kind names an error kind for API responses and log fields.
type Kind string

const (
	KindValidation   Kind = "validation_error"
	KindUnauthorized Kind = "forbidden"
	KindInvalidState Kind = "invalid_state"
	KindNotFound     Kind = "not_found"
	KindPersistence  Kind = "store_unavailable"
	KindInternal     Kind = "internal_error"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	}
	return KindInternal
}

// IsDomain reports whether err is a caller-facing domain error that a retry
// cannot fix.
func IsDomain(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindUnauthorized, KindInvalidState, KindNotFound:
		return true
	}
	return false
}

// Validation returns a validation error for field.
func Validation(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}

// Unauthorized returns an authorization error describing the required role.
func Unauthorized(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
}

// InvalidState returns a state error naming the current and required status.
func InvalidState(op, current, required string) error {
	return fmt.Errorf("%w: %s requires %q, deal is %q", ErrInvalidState, op, required, current)
}

// PersistenceError wraps a failed store operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is makes every PersistenceError match ErrPersistence.
func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Store wraps a raw store error as a PersistenceError. Domain errors the
// store itself returned (not found, conflicts) pass through unchanged.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomain(err) || errors.Is(err, ErrPersistence) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
