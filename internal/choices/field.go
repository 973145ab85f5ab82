package choices

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"dynchoices/internal/instrument"
	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

// DynamicField wraps a relation field with its choices callback. The
// compiled descriptors are written once, when the field's targets are all
// registered, and only read afterwards.
type DynamicField struct {
	Entity   *metadata.Entity
	Field    *metadata.Field
	callback *Callback
	params   map[string]string
	compiled atomic.Pointer[compiled]
}

type compiled struct {
	target      *metadata.Entity
	descriptors map[string]*Descriptor
}

func (f *DynamicField) Name() string { return f.Field.Name }

// HasCallback reports whether the field computes its choices.
func (f *DynamicField) HasCallback() bool { return f.callback != nil }

func (f *DynamicField) Callback() *Callback { return f.callback }

// Ready reports whether the field has been compiled.
func (f *DynamicField) Ready() bool { return f.compiled.Load() != nil }

// Target returns the related entity, or nil before compilation.
func (f *DynamicField) Target() *metadata.Entity {
	if c := f.compiled.Load(); c != nil {
		return c.target
	}
	return nil
}

// Descriptors returns the compiled descriptors keyed by callback parameter.
func (f *DynamicField) Descriptors() map[string]*Descriptor {
	if c := f.compiled.Load(); c != nil {
		return c.descriptors
	}
	return nil
}

// Relationships returns the flattened paths the field's choices depend on.
func (f *DynamicField) Relationships() []string {
	descs := f.Descriptors()
	paths := make([]string, 0, len(descs))
	for _, d := range descs {
		paths = append(paths, d.Key())
	}
	sort.Strings(paths)
	return paths
}

func (f *DynamicField) setCompiled(c *compiled) bool {
	return f.compiled.CompareAndSwap(nil, c)
}

// Queryset returns the field's base collection with dynamic behavior attached.
func (f *DynamicField) Queryset(src query.Source) *DynamicCollection {
	return &DynamicCollection{Collection: src.Collection(f.Target()), field: f, src: src}
}

// Resolve computes the effective choices of the field starting from base.
// A base that is already None is returned without calling the callback.
func (f *DynamicField) Resolve(ctx context.Context, src query.Source, inst query.Record, base query.Collection, rc *Context) (query.Collection, error) {
	if !f.HasCallback() || base.IsNone() {
		return base, nil
	}
	c := f.compiled.Load()
	if c == nil {
		return nil, fmt.Errorf("%w: %s.%s is not compiled", ErrDeferred, f.Entity.Name, f.Field.Name)
	}

	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "choices", "resolver", "resolve")
	defer span.End()
	recordID := ""
	if pk := query.PK(f.Entity, inst); pk != nil {
		recordID = fmt.Sprint(pk)
	}
	span.SetEntity(f.Entity.Name, recordID)
	span.SetMetadata("field", f.Field.Name)
	span.SetMetadata("callback", f.callback.Name)

	values := make(map[string]any, len(c.descriptors))
	for name, d := range c.descriptors {
		if v, ok := Resolve(ctx, d, rc, src); ok {
			values[name] = v
		}
	}
	span.SetMetadata("resolved", len(values))

	res, err := Invoke(ctx, f.callback, inst, base, values)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	out, err := Normalize(f.Field, c.target, res)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetStatus("ok")
	return out, nil
}

// Validate checks value against the choices computed from inst's own data.
// A nil value always passes.
func (f *DynamicField) Validate(ctx context.Context, src query.Source, inst query.Record, value any) error {
	if value == nil || !f.HasCallback() {
		return nil
	}
	target := f.Target()
	if target == nil {
		return fmt.Errorf("%w: %s.%s is not compiled", ErrDeferred, f.Entity.Name, f.Field.Name)
	}
	keys := []any{value}
	if f.Field.IsToMany() {
		keys = asList(value)
	}
	rc := NewContext(inst)
	for _, key := range keys {
		base := src.Collection(target).Filter(query.Eq(target.PrimaryKey.Field, key))
		col, err := f.Resolve(ctx, src, inst, base, rc)
		if err != nil {
			return err
		}
		ok, err := col.Exists(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s with pk %v is not a valid choice for %s", ErrNotAllowed, target.Name, key, f.Field.Name)
		}
	}
	return nil
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out
	}
	return []any{v}
}

// DynamicCollection is a base collection that knows which field it serves.
// Filtering keeps the association.
type DynamicCollection struct {
	query.Collection
	field *DynamicField
	src   query.Source
}

func (d *DynamicCollection) wrap(c query.Collection) *DynamicCollection {
	return &DynamicCollection{Collection: c, field: d.field, src: d.src}
}

func (d *DynamicCollection) Filter(preds ...query.Predicate) query.Collection {
	return d.wrap(d.Collection.Filter(preds...))
}

func (d *DynamicCollection) Exclude(preds ...query.Predicate) query.Collection {
	return d.wrap(d.Collection.Exclude(preds...))
}

func (d *DynamicCollection) Distinct() query.Collection { return d.wrap(d.Collection.Distinct()) }

func (d *DynamicCollection) None() query.Collection { return d.wrap(d.Collection.None()) }

// Resolve runs the field's callback over this collection.
func (d *DynamicCollection) Resolve(ctx context.Context, inst query.Record, rc *Context) (query.Collection, error) {
	return d.field.Resolve(ctx, d.src, inst, d.Collection, rc)
}
