package choices

import (
	"context"
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

type condition struct {
	field string
	op    query.Op
	value *vm.Program
}

type group struct {
	label   string
	where   []condition
	exclude []condition
}

// DeclarativeCallback builds a callback from a filter declared in the entity
// schema. Each declared path becomes a parameter named after its flattened
// form, defaulting to nil; expressions see the resolved values under that
// name and the owning record as "instance".
func DeclarativeCallback(name string, spec *metadata.FilterSpec) (*Callback, error) {
	params := make([]Param, 0, len(spec.Params))
	for _, p := range spec.Params {
		params = append(params, Opt(NormalizePath(p), nil))
	}

	var when *vm.Program
	if spec.When != "" {
		prog, err := expr.Compile(spec.When, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("when: %w", err)
		}
		when = prog
	}
	where, err := compileConditions(spec.Where)
	if err != nil {
		return nil, err
	}
	exclude, err := compileConditions(spec.Exclude)
	if err != nil {
		return nil, err
	}
	groups := make([]group, 0, len(spec.Groups))
	for _, g := range spec.Groups {
		gw, err := compileConditions(g.Where)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Label, err)
		}
		ge, err := compileConditions(g.Exclude)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Label, err)
		}
		groups = append(groups, group{label: g.Label, where: gw, exclude: ge})
	}

	fn := func(ctx context.Context, inst query.Record, base query.Collection, args Args) (Result, error) {
		env := map[string]any{"instance": nil}
		if inst != nil {
			env["instance"] = inst
		}
		for _, p := range params {
			env[p.Name] = args.Value(p.Name)
		}
		if when != nil {
			ok, err := expr.Run(when, env)
			if err != nil {
				return Result{}, fmt.Errorf("%s: when: %w", name, err)
			}
			if ok != true {
				return Flat(base.None()), nil
			}
		}
		col, err := applyConditions(base, where, exclude, env)
		if err != nil {
			return Result{}, fmt.Errorf("%s: %w", name, err)
		}
		if len(groups) == 0 {
			return Flat(col), nil
		}
		out := make([]Group, 0, len(groups))
		for _, g := range groups {
			items, err := applyConditions(col, g.where, g.exclude, env)
			if err != nil {
				return Result{}, fmt.Errorf("%s: group %q: %w", name, g.label, err)
			}
			out = append(out, Group{Label: g.label, Items: items})
		}
		return Grouped(out...), nil
	}
	return &Callback{Name: name, Bound: true, Params: params, Fn: fn}, nil
}

func compileConditions(conds []metadata.Condition) ([]condition, error) {
	out := make([]condition, 0, len(conds))
	for _, c := range conds {
		op, err := query.ParseOp(c.Op)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		prog, err := expr.Compile(c.Value)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", c.Field, err)
		}
		out = append(out, condition{field: c.Field, op: op, value: prog})
	}
	return out, nil
}

func applyConditions(col query.Collection, where, exclude []condition, env map[string]any) (query.Collection, error) {
	preds, err := evalConditions(where, env)
	if err != nil {
		return nil, err
	}
	if len(preds) > 0 {
		col = col.Filter(preds...)
	}
	preds, err = evalConditions(exclude, env)
	if err != nil {
		return nil, err
	}
	if len(preds) > 0 {
		col = col.Exclude(preds...)
	}
	return col, nil
}

func evalConditions(conds []condition, env map[string]any) ([]query.Predicate, error) {
	preds := make([]query.Predicate, 0, len(conds))
	for _, c := range conds {
		v, err := expr.Run(c.value, env)
		if err != nil {
			return nil, fmt.Errorf("condition on %s: %w", c.field, err)
		}
		if c.op == query.OpIn || c.op == query.OpNotIn {
			v = toSlice(v)
		}
		preds = append(preds, query.Predicate{Field: c.field, Op: c.op, Value: v})
	}
	return preds, nil
}

// toSlice turns any slice an expression returns into []any.
func toSlice(v any) []any {
	if v == nil {
		return nil
	}
	if l, ok := v.([]any); ok {
		return l
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{v}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
