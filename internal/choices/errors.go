package choices

import (
	"errors"
	"fmt"
)

var (
	// ErrDeferred marks a definition waiting for a relation target that is
	// not registered yet.
	ErrDeferred = errors.New("choices: definition deferred")

	// ErrNotAllowed is returned when a submitted value is not among the
	// computed choices.
	ErrNotAllowed = errors.New("choices: value not allowed")

	// ErrResultType is returned when a callback yields records of another entity.
	ErrResultType = errors.New("choices: callback result has the wrong entity type")
)

// DefinitionError reports a malformed dynamic-choices definition. It is
// fatal at startup.
type DefinitionError struct {
	Entity string
	Field  string
	Msg    string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Entity, e.Field, e.Msg)
}

func definitionError(entity, field, format string, args ...any) *DefinitionError {
	return &DefinitionError{Entity: entity, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// deferredError names the entity a definition is waiting for.
type deferredError struct {
	target string
}

func (e *deferredError) Error() string {
	return fmt.Sprintf("waiting for entity %s", e.target)
}

func (e *deferredError) Is(err error) bool {
	return err == ErrDeferred
}
