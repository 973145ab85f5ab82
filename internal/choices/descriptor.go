package choices

import (
	"strings"

	"dynchoices/internal/metadata"
)

// Sep separates the segments of a descriptor path, e.g. "enemy__alignment".
const Sep = "__"

// NormalizePath converts a dotted path ("enemy.alignment") to its canonical form.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, ".", Sep)
}

// Descriptor is a compiled field path: one field edge per segment, every
// edge but the last a to-one relation.
type Descriptor struct {
	Raw      string
	Segments []string
	Edges    []*metadata.Field
	Targets  []*metadata.Entity // related entity per edge, nil for scalars
}

func (d *Descriptor) target(step int) *metadata.Entity { return d.Targets[step] }

// Depth is the number of field edges, 1 for a plain field name.
func (d *Descriptor) Depth() int { return len(d.Edges) }

// Last returns the field the path ends on.
func (d *Descriptor) Last() *metadata.Field { return d.Edges[len(d.Edges)-1] }

// Key returns the canonical flattened form of the path.
func (d *Descriptor) Key() string { return strings.Join(d.Segments, Sep) }

// compileDescriptor walks path from entity. It returns a *deferredError when
// a to-one target along the path is not registered yet.
func compileDescriptor(reg *metadata.Registry, entity *metadata.Entity, field, path string) (*Descriptor, error) {
	raw := NormalizePath(path)
	segments := strings.Split(raw, Sep)
	d := &Descriptor{Raw: path, Segments: segments}

	cur := entity
	for step, seg := range segments {
		f := cur.GetField(seg)
		if f == nil && seg == cur.PrimaryKey.Field {
			f = cur.PrimaryKeyField()
		}
		if f == nil {
			return nil, definitionError(entity.Name, field, "Invalid descriptor %q, choices are %s",
				raw, strings.Join(validNames(cur, segments[:step]), ", "))
		}
		last := step == len(segments)-1
		if !last && !f.IsToOne() {
			return nil, definitionError(entity.Name, field, "Invalid descriptor %q, %q is not a to-one relation",
				raw, strings.Join(segments[:step+1], Sep))
		}
		var target *metadata.Entity
		if f.IsRelation() {
			if target = reg.GetEntity(f.Target); target == nil {
				return nil, &deferredError{target: f.Target}
			}
		}
		d.Edges = append(d.Edges, f)
		d.Targets = append(d.Targets, target)
		cur = target
	}
	return d, nil
}

// validNames lists the paths accepted at the depth reached by prefix.
func validNames(e *metadata.Entity, prefix []string) []string {
	base := ""
	if len(prefix) > 0 {
		base = strings.Join(prefix, Sep) + Sep
	}
	names := []string{base + e.PrimaryKey.Field}
	for _, name := range e.FieldNames() {
		if name != e.PrimaryKey.Field {
			names = append(names, base+name)
		}
	}
	return names
}

// Compile validates cb against the field it serves and compiles one
// descriptor per callback parameter. params maps a parameter name to its
// path; an unmapped parameter uses its own name as the path.
func Compile(reg *metadata.Registry, entity *metadata.Entity, field string, cb *Callback, params map[string]string) (map[string]*Descriptor, error) {
	if cb == nil {
		return nil, definitionError(entity.Name, field, "Cannot find the callback specified by choices")
	}
	for name := range params {
		if _, ok := cb.param(name); !ok {
			return nil, definitionError(entity.Name, field, "callback %s declares no parameter %q", cb.Name, name)
		}
	}

	descriptors := make(map[string]*Descriptor, len(cb.Params))
	for _, p := range cb.Params {
		if !p.Optional {
			return nil, definitionError(entity.Name, field, "parameter %q of callback %s must declare a default", p.Name, cb.Name)
		}
		path := p.Name
		if mapped, ok := params[p.Name]; ok && mapped != "" {
			path = mapped
		}
		d, err := compileDescriptor(reg, entity, field, path)
		if err != nil {
			return nil, err
		}
		descriptors[p.Name] = d
	}
	return descriptors, nil
}
