package choices

import (
	"context"
	"log"

	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
)

// Resolve extracts the value of d from rc. The full flattened path is tried
// first; otherwise the path is walked segment by segment, fetching the
// record behind each to-one relation through src. Segments that are not
// found accumulate into a flattened key ("a", then "a__b") until one
// matches. The second result is false when the value cannot be found or
// coerced; the caller then omits the argument.
func Resolve(ctx context.Context, d *Descriptor, rc *Context, src query.Source) (any, bool) {
	if v, ok := rc.Lookup(d.Key()); ok {
		return finish(d.Last(), d.target(d.Depth()-1), v)
	}

	lookup := rc.Lookup
	prefix := ""
	for step, f := range d.Edges {
		key := prefix + d.Segments[step]
		v, found := lookup(key)
		last := step == d.Depth()-1
		if !found {
			if last {
				return nil, false
			}
			prefix = key + Sep
			continue
		}
		if last {
			return finish(f, d.target(step), v)
		}
		// collections cannot be traversed
		if f.IsToMany() {
			return nil, false
		}
		rec, ok := v.(query.Record)
		if !ok {
			if rec, ok = fetch(ctx, src, d.target(step), unwrap(v)); !ok {
				return nil, false
			}
		}
		lookup = func(k string) (any, bool) {
			x, ok := rec[k]
			return x, ok
		}
		prefix = ""
	}
	return nil, false
}

func fetch(ctx context.Context, src query.Source, target *metadata.Entity, v any) (query.Record, bool) {
	if target == nil || v == nil || src == nil {
		return nil, false
	}
	pk, err := target.PrimaryKeyField().Coerce(v)
	if err != nil {
		return nil, false
	}
	rec, err := src.Collection(target).Get(ctx, query.Eq(target.PrimaryKey.Field, pk))
	if err != nil {
		if !query.IsLookupFailure(err) {
			log.Printf("WARN: fetch %s %v: %v", target.Name, pk, err)
		}
		return nil, false
	}
	return rec, true
}

// finish coerces the raw value found for the last edge of a path.
func finish(f *metadata.Field, target *metadata.Entity, v any) (any, bool) {
	if f.IsToMany() {
		items, ok := v.([]any)
		if !ok {
			if s, isStrings := v.([]string); isStrings {
				items = make([]any, len(s))
				for i := range s {
					items[i] = s[i]
				}
			} else if v == nil {
				return nil, true
			} else {
				items = []any{v}
			}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			c, err := coerceKey(target, item)
			if err != nil {
				return nil, false
			}
			out = append(out, c)
		}
		return out, true
	}

	v = unwrap(v)
	if v == nil {
		return nil, true
	}
	if f.IsToOne() {
		c, err := coerceKey(target, v)
		return c, err == nil
	}
	c, err := f.Coerce(v)
	return c, err == nil
}

func coerceKey(target *metadata.Entity, v any) (any, error) {
	if rec, ok := v.(query.Record); ok {
		v = query.PK(target, rec)
	}
	return target.PrimaryKeyField().Coerce(v)
}

// unwrap reduces a list to its first element.
func unwrap(v any) any {
	switch l := v.(type) {
	case []any:
		if len(l) == 0 {
			return nil
		}
		return l[0]
	case []string:
		if len(l) == 0 {
			return nil
		}
		return l[0]
	}
	return v
}
