package query

import (
	"context"
	"fmt"
	"strings"

	"dynchoices/internal/metadata"
	"dynchoices/internal/store"
)

// SQLSource builds collections that run against a relational store.
type SQLSource struct {
	q       store.Querier
	dialect store.Dialect
	reg     *metadata.Registry
}

func NewSource(q store.Querier, dialect store.Dialect, reg *metadata.Registry) *SQLSource {
	return &SQLSource{q: q, dialect: dialect, reg: reg}
}

func NewSQLSource(s *store.Store, reg *metadata.Registry) *SQLSource {
	return NewSource(s.DB, s.Dialect, reg)
}

// WithQuerier returns a copy of the source running on q, typically a *sql.Tx.
func (s *SQLSource) WithQuerier(q store.Querier) *SQLSource {
	return &SQLSource{q: q, dialect: s.dialect, reg: s.reg}
}

func (s *SQLSource) Registry() *metadata.Registry { return s.reg }

func (s *SQLSource) Collection(e *metadata.Entity) Collection {
	return &SQLCollection{src: s, entity: e}
}

type clause struct {
	preds  []Predicate
	negate bool
}

// SQLCollection is a Collection compiled to a single SELECT.
type SQLCollection struct {
	src      *SQLSource
	entity   *metadata.Entity
	clauses  []clause
	distinct bool
	none     bool
}

func (c *SQLCollection) Entity() *metadata.Entity { return c.entity }

func (c *SQLCollection) clone() *SQLCollection {
	cp := *c
	cp.clauses = append([]clause(nil), c.clauses...)
	return &cp
}

func (c *SQLCollection) Filter(preds ...Predicate) Collection {
	if c.none || len(preds) == 0 {
		return c
	}
	cp := c.clone()
	cp.clauses = append(cp.clauses, clause{preds: preds})
	return cp
}

func (c *SQLCollection) Exclude(preds ...Predicate) Collection {
	if c.none || len(preds) == 0 {
		return c
	}
	cp := c.clone()
	cp.clauses = append(cp.clauses, clause{preds: preds, negate: true})
	return cp
}

func (c *SQLCollection) Distinct() Collection {
	if c.none || c.distinct {
		return c
	}
	cp := c.clone()
	cp.distinct = true
	return cp
}

func (c *SQLCollection) None() Collection {
	if c.none {
		return c
	}
	return &SQLCollection{src: c.src, entity: c.entity, none: true}
}

func (c *SQLCollection) IsNone() bool { return c.none }

func (c *SQLCollection) All(ctx context.Context) ([]Record, error) {
	if c.none {
		return nil, nil
	}
	sqlStr, params, err := c.selectSQL()
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, c.src.q, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c.entity.Name, err)
	}
	store.DecodeRows(c.src.dialect, columnTypes(c.entity), rows)
	return rows, nil
}

func (c *SQLCollection) Exists(ctx context.Context) (bool, error) {
	if c.none {
		return false, nil
	}
	pb := c.src.dialect.NewParamBuilder()
	where, err := c.whereSQL(pb)
	if err != nil {
		return false, err
	}
	rows, err := store.QueryRows(ctx, c.src.q, fmt.Sprintf("SELECT 1 AS found FROM %s%s LIMIT 1", c.entity.Table, where), pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", c.entity.Name, err)
	}
	return len(rows) > 0, nil
}

func (c *SQLCollection) Get(ctx context.Context, preds ...Predicate) (Record, error) {
	rows, err := c.Filter(preds...).All(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, NewNotFoundError(c.entity.Name)
	case 1:
		return rows[0], nil
	default:
		return nil, NewNotSingularError(c.entity.Name, len(rows))
	}
}

func (c *SQLCollection) selectSQL() (string, []any, error) {
	pb := c.src.dialect.NewParamBuilder()
	where, err := c.whereSQL(pb)
	if err != nil {
		return "", nil, err
	}
	verb := "SELECT"
	if c.distinct {
		verb = "SELECT DISTINCT"
	}
	sqlStr := fmt.Sprintf("%s %s FROM %s%s ORDER BY %s",
		verb, strings.Join(selectColumns(c.entity), ", "), c.entity.Table, where, c.entity.PrimaryKey.Field)
	return sqlStr, pb.Params(), nil
}

func (c *SQLCollection) whereSQL(pb store.ParamBuilder) (string, error) {
	if len(c.clauses) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(c.clauses))
	for _, cl := range c.clauses {
		conds := make([]string, 0, len(cl.preds))
		for _, p := range cl.preds {
			cond, err := c.predicateSQL(p, pb)
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
		cond := strings.Join(conds, " AND ")
		if cl.negate {
			// a NULL comparison is a non-match, so the row survives Exclude
			cond = "NOT COALESCE((" + cond + "), FALSE)"
		} else if len(conds) > 1 {
			cond = "(" + cond + ")"
		}
		parts = append(parts, cond)
	}
	return " WHERE " + strings.Join(parts, " AND "), nil
}

func (c *SQLCollection) predicateSQL(p Predicate, pb store.ParamBuilder) (string, error) {
	if p.Field == c.entity.PrimaryKey.Field {
		p.Value = c.src.bind(c.entity.PrimaryKey.Type, p.Value)
		return compare(p.Field, p, pb)
	}
	f := c.entity.GetField(p.Field)
	if f == nil {
		return "", fmt.Errorf("unknown field %s on %s", p.Field, c.entity.Name)
	}
	if !f.IsToMany() {
		p.Value = c.src.bind(f.Type, p.Value)
		return compare(f.Name, p, pb)
	}
	if f.Through.Entity != "" {
		return "", fmt.Errorf("cannot filter on %s.%s: relation goes through entity %s", c.entity.Name, f.Name, f.Through.Entity)
	}
	// Membership in a to-many relation: match rows having a join row whose
	// target satisfies the predicate.
	switch p.Op {
	case OpEq, OpIn:
	default:
		return "", fmt.Errorf("operator %s not supported on to-many field %s", p.Op, f.Name)
	}
	inner, err := compare(f.Through.TargetKey, p, pb)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s IN (SELECT %s FROM %s WHERE %s)",
		c.entity.PrimaryKey.Field, f.Through.SourceKey, f.Through.Table, inner), nil
}

func compare(col string, p Predicate, pb store.ParamBuilder) (string, error) {
	op := p.Op
	if op == "" {
		op = OpEq
	}
	switch op {
	case OpEq:
		if p.Value == nil {
			return col + " IS NULL", nil
		}
		return col + " = " + pb.Add(p.Value), nil
	case OpNeq:
		if p.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return col + " != " + pb.Add(p.Value), nil
	case OpGt:
		return col + " > " + pb.Add(p.Value), nil
	case OpGte:
		return col + " >= " + pb.Add(p.Value), nil
	case OpLt:
		return col + " < " + pb.Add(p.Value), nil
	case OpLte:
		return col + " <= " + pb.Add(p.Value), nil
	case OpIn:
		return store.InExpr(col, pb, toSlice(p.Value)), nil
	case OpNotIn:
		return store.NotInExpr(col, pb, toSlice(p.Value)), nil
	}
	return "", fmt.Errorf("unknown operator %s", op)
}

func toSlice(v any) []any {
	switch vs := v.(type) {
	case nil:
		return nil
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out
	}
	return []any{v}
}

func selectColumns(e *metadata.Entity) []string {
	cols := []string{e.PrimaryKey.Field}
	for _, name := range e.ColumnNames() {
		if name != e.PrimaryKey.Field {
			cols = append(cols, name)
		}
	}
	return cols
}

// columnTypes maps each typed column of e to its field type.
func columnTypes(e *metadata.Entity) map[string]string {
	types := map[string]string{e.PrimaryKey.Field: e.PrimaryKey.Type}
	for _, f := range e.Columns() {
		if f.Type != "" {
			types[f.Name] = f.Type
		}
	}
	return types
}

// bind encodes a predicate or column value for the dialect. Lists are
// encoded element by element.
func (s *SQLSource) bind(fieldType string, v any) any {
	switch v.(type) {
	case nil:
		return nil
	case []any, []string, []int64:
		items := toSlice(v)
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = s.dialect.EncodeValue(fieldType, item)
		}
		return out
	}
	return s.dialect.EncodeValue(fieldType, v)
}

var _ Collection = (*SQLCollection)(nil)
