package query

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("query: record not found")

	// ErrNotSingular is returned when a lookup expecting one record matches several.
	ErrNotSingular = errors.New("query: record not singular")
)

// NotFoundError names the entity a lookup failed on.
type NotFoundError struct {
	label string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("query: %s not found", e.label)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

func (e *NotFoundError) Label() string { return e.label }

func NewNotFoundError(label string) *NotFoundError {
	return &NotFoundError{label: label}
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// NotSingularError reports a lookup that matched more than one record.
type NotSingularError struct {
	label string
	count int
}

func (e *NotSingularError) Error() string {
	return fmt.Sprintf("query: %s not singular (got %d results, expected 1)", e.label, e.count)
}

func (e *NotSingularError) Is(err error) bool {
	return err == ErrNotSingular
}

func NewNotSingularError(label string, count int) *NotSingularError {
	return &NotSingularError{label: label, count: count}
}

// IsNotSingular returns true if the error is a NotSingularError.
func IsNotSingular(err error) bool {
	if err == nil {
		return false
	}
	var e *NotSingularError
	return errors.As(err, &e) || errors.Is(err, ErrNotSingular)
}

// IsLookupFailure reports whether err is an expected single-record lookup
// failure (no match or several matches).
func IsLookupFailure(err error) bool {
	return IsNotFound(err) || IsNotSingular(err)
}
