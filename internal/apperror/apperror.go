// Package apperror defines the error classes shared by the clinical safety core.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced prescription, record or subject does not exist
	ErrNotFound = errors.New("not found")
	// ErrStorageUnavailable indicates the persistence layer could not be reached.
	// It is the only class that aborts the current operation.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConflict indicates a concurrent writer changed the record first
	ErrConflict = errors.New("conflict")
)

// ValidationError reports input the caller has to correct
type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// Invalid creates a ValidationError
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFound wraps ErrNotFound with the kind and id of the missing entity
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Unavailable wraps a driver error as ErrStorageUnavailable
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorageUnavailable, err)
}

// IsValidation reports whether err is, or wraps, a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable reports whether err wraps ErrStorageUnavailable
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsConflict reports whether err wraps ErrConflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
