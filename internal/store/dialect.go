package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect hides the differences between the SQL backends: placeholder
// syntax, DDL, schema introspection and how typed values are stored.
type Dialect interface {
	Name() string
	DriverName() string

	// Placeholder renders the 1-based parameter marker, "$1" or "?1".
	Placeholder(index int) string
	NewParamBuilder() ParamBuilder

	NowExpr() string
	// UUIDDefault is empty when ids must be generated by the caller.
	UUIDDefault() string
	ColumnType(fieldType string) string
	SerialPrimaryKey(column string) string
	SystemTablesSQL() string

	TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error)
	GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error)

	// EncodeValue turns an application value of the given field type into
	// a driver argument.
	EncodeValue(fieldType string, v any) any
	// DecodeValue is the inverse of EncodeValue for scanned columns.
	DecodeValue(fieldType string, v any) any
	ArrayParam(values []string) any
	ScanArray(src any) ([]string, error)

	// MapError wraps constraint failures in ErrUniqueViolation,
	// ErrForeignKeyViolation or ErrNotNullViolation.
	MapError(err error) error
}

// ParamBuilder collects positional arguments while a statement is built.
type ParamBuilder interface {
	// Add binds v and returns its placeholder.
	Add(v any) string
	Params() []any
	Count() int
}

// NewDialect returns the dialect for "sqlite"; anything else is postgres.
func NewDialect(driver string) Dialect {
	if driver == "sqlite" {
		return &SQLiteDialect{}
	}
	return &PostgresDialect{}
}

var (
	_ Dialect = (*PostgresDialect)(nil)
	_ Dialect = (*SQLiteDialect)(nil)
)

type params struct {
	mark func(int) string
	args []any
}

func newParams(mark func(int) string) *params { return &params{mark: mark} }

func (p *params) Add(v any) string {
	p.args = append(p.args, v)
	return p.mark(len(p.args))
}

func (p *params) Params() []any { return p.args }
func (p *params) Count() int    { return len(p.args) }

// InExpr renders "col IN (...)"; an empty list matches nothing.
func InExpr(col string, pb ParamBuilder, values []any) string {
	return listExpr(col, "IN", "1=0", pb, values)
}

// NotInExpr renders "col NOT IN (...)"; an empty list matches everything.
func NotInExpr(col string, pb ParamBuilder, values []any) string {
	return listExpr(col, "NOT IN", "1=1", pb, values)
}

func listExpr(col, op, empty string, pb ParamBuilder, values []any) string {
	if len(values) == 0 {
		return empty
	}
	marks := make([]string, 0, len(values))
	for _, v := range values {
		marks = append(marks, pb.Add(v))
	}
	return fmt.Sprintf("%s %s (%s)", col, op, strings.Join(marks, ", "))
}
