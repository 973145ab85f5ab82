// Package query is the record collection abstraction choice callbacks filter.
package query

import (
	"context"
	"fmt"

	"dynchoices/internal/metadata"
)

// Record is one row, keyed by field name. To-many relations, when loaded,
// hold a []any of related primary keys.
type Record = map[string]any

type Op string

const (
	OpEq    Op = "eq"
	OpNeq   Op = "neq"
	OpGt    Op = "gt"
	OpGte   Op = "gte"
	OpLt    Op = "lt"
	OpLte   Op = "lte"
	OpIn    Op = "in"
	OpNotIn Op = "not_in"
)

// ParseOp validates an operator name; an empty name means eq.
func ParseOp(s string) (Op, error) {
	switch op := Op(s); op {
	case "":
		return OpEq, nil
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn:
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

// Predicate compares a field with a value. Eq/Neq with a nil value test
// for NULL. Predicates passed together are ANDed.
type Predicate struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, v any) Predicate  { return Predicate{Field: field, Op: OpEq, Value: v} }
func Neq(field string, v any) Predicate { return Predicate{Field: field, Op: OpNeq, Value: v} }

func In(field string, vs ...any) Predicate {
	return Predicate{Field: field, Op: OpIn, Value: vs}
}

func NotIn(field string, vs ...any) Predicate {
	return Predicate{Field: field, Op: OpNotIn, Value: vs}
}

// Collection is a lazily evaluated, immutable set of records of one entity.
// Filter, Exclude, Distinct and None return new collections.
type Collection interface {
	Entity() *metadata.Entity
	Filter(preds ...Predicate) Collection
	Exclude(preds ...Predicate) Collection
	Distinct() Collection
	// None returns an explicitly empty collection. It stays empty under
	// every further operation.
	None() Collection
	IsNone() bool

	All(ctx context.Context) ([]Record, error)
	Exists(ctx context.Context) (bool, error)
	// Get returns the single record matching preds; NotFoundError or
	// NotSingularError otherwise.
	Get(ctx context.Context, preds ...Predicate) (Record, error)
}

// Source hands out the base collection of an entity.
type Source interface {
	Collection(e *metadata.Entity) Collection
}

// PK returns the primary key value of a record.
func PK(e *metadata.Entity, r Record) any {
	if r == nil {
		return nil
	}
	return r[e.PrimaryKey.Field]
}

// Keys returns the primary keys of records in order.
func Keys(e *metadata.Entity, records []Record) []any {
	keys := make([]any, len(records))
	for i, r := range records {
		keys[i] = PK(e, r)
	}
	return keys
}

// SameKey compares primary key values loosely, so int64(1), 1.0 and "1"
// are equal.
func SameKey(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
