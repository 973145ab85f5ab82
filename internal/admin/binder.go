package admin

import (
	"sort"
	"strings"

	"dynchoices/internal/choices"
	"dynchoices/internal/metadata"
)

// Binder tells a client which fields to refresh when another one changes.
// Fields maps a main-form field to the fields whose choices depend on it;
// inline rows are named "<prefix>-*-<field>". Inlines maps an inline prefix
// to the same relation between fields of one row.
type Binder struct {
	Fields  map[string][]string            `json:"fields"`
	Inlines map[string]map[string][]string `json:"inlines"`
}

// Binder computes the dependency map of the change form.
func (ma *ModelAdmin) Binder() *Binder {
	b := &Binder{Fields: make(map[string][]string), Inlines: make(map[string]map[string][]string)}
	schema := ma.site.schema

	for rel, deps := range relationships(schema, ma.entity, ma.fields) {
		if hasField(ma.fields, rel) {
			add(b.Fields, rel, deps...)
		}
	}

	for _, in := range ma.Inlines {
		inline := make(map[string][]string)
		for rel, deps := range relationships(schema, in.entity, in.fields) {
			base, field, nested := strings.Cut(rel, choices.Sep)
			if nested {
				field, _, _ = strings.Cut(field, choices.Sep)
			}
			switch {
			case nested && base == in.FK && hasField(ma.fields, field):
				selectors := make([]string, len(deps))
				for i, dep := range deps {
					selectors[i] = in.Prefix + "-*-" + dep
				}
				add(b.Fields, field, selectors...)
			case nested && hasField(in.fields, base):
				add(inline, base, deps...)
			case !nested && hasField(in.fields, rel):
				add(inline, rel, deps...)
			}
		}
		if len(inline) > 0 {
			b.Inlines[in.Prefix] = inline
		}
	}
	return b
}

// relationships maps each path the form's dynamic fields depend on to the
// names of those fields.
func relationships(schema *choices.Schema, e *metadata.Entity, fields []*metadata.Field) map[string][]string {
	rels := make(map[string][]string)
	for _, f := range fields {
		df := schema.Field(e.Name, f.Name)
		if df == nil || !df.HasCallback() {
			continue
		}
		for _, path := range df.Relationships() {
			add(rels, path, f.Name)
		}
	}
	return rels
}

func hasField(fields []*metadata.Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// add appends names to m[key], keeping the list sorted and unique.
func add(m map[string][]string, key string, names ...string) {
	set := make(map[string]bool)
	for _, n := range m[key] {
		set[n] = true
	}
	for _, n := range names {
		set[n] = true
	}
	list := make([]string, 0, len(set))
	for n := range set {
		list = append(list, n)
	}
	sort.Strings(list)
	m[key] = list
}
