package admin

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"dynchoices/internal/choices"
	"dynchoices/internal/config"
	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

// Site is the set of entity admins served over HTTP.
type Site struct {
	schema *choices.Schema
	store  *store.Store
	src    *query.SQLSource
	cfg    config.AdminConfig

	mu     sync.RWMutex
	admins map[string]*ModelAdmin
}

func NewSite(schema *choices.Schema, s *store.Store, cfg config.AdminConfig) *Site {
	if cfg.EmptyLabel == "" {
		cfg.EmptyLabel = "---------"
	}
	if cfg.ManyDelimiter == "" {
		cfg.ManyDelimiter = choices.DefaultDelimiter
	}
	if cfg.FieldsParam == "" {
		cfg.FieldsParam = "DYNAMIC_CHOICES_FIELDS"
	}
	if cfg.PrefixPlaceholder == "" {
		cfg.PrefixPlaceholder = "__prefix__"
	}
	return &Site{
		schema: schema,
		store:  s,
		src:    query.NewSQLSource(s, schema.Registry()),
		cfg:    cfg,
		admins: make(map[string]*ModelAdmin),
	}
}

func (s *Site) Schema() *choices.Schema { return s.schema }

func (s *Site) Source() *query.SQLSource { return s.src }

// Register validates base and serves it under its entity name.
func (s *Site) Register(base ModelAdmin) (*ModelAdmin, error) {
	ma, err := NewDynamicAdmin(s, base)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.admins[ma.Entity]; exists {
		return nil, fmt.Errorf("admin for %s is already registered", ma.Entity)
	}
	s.admins[ma.Entity] = ma
	return ma, nil
}

// Admin returns the admin of an entity, or nil.
func (s *Site) Admin(entity string) *ModelAdmin {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admins[entity]
}

// RegisterDefaults gives every entity without an admin a plain one. An
// entity that cannot be served is skipped with a warning.
func (s *Site) RegisterDefaults() {
	for _, e := range s.schema.Registry().AllEntities() {
		if s.Admin(e.Name) != nil {
			continue
		}
		if _, err := s.Register(ModelAdmin{Entity: e.Name}); err != nil {
			log.Printf("WARN: no admin for %s: %v", e.Name, err)
		}
	}
}

// ParseAdmins decodes the "admins" section of a YAML schema document.
func ParseAdmins(data []byte) ([]ModelAdmin, error) {
	var doc struct {
		Admins []ModelAdmin `yaml:"admins"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse admins: %w", err)
	}
	return doc.Admins, nil
}

// Entities lists the entities with an admin, sorted.
func (s *Site) Entities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.admins))
	for name := range s.admins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModelAdmin describes the change form of one entity. Fields lists the
// editable fields shown (all of them when empty).
type ModelAdmin struct {
	Entity  string   `yaml:"entity"`
	Fields  []string `yaml:"fields,omitempty"`
	Inlines []Inline `yaml:"inlines,omitempty"`

	site   *Site
	entity *metadata.Entity
	fields []*metadata.Field
}

// Inline edits the rows of another entity that point at the admin's entity
// through FK. Prefix defaults to "<entity>_set".
type Inline struct {
	Entity string   `yaml:"entity"`
	FK     string   `yaml:"fk,omitempty"`
	Prefix string   `yaml:"prefix,omitempty"`
	Fields []string `yaml:"fields,omitempty"`
	Extra  int      `yaml:"extra,omitempty"` // blank rows appended to an unsubmitted formset

	entity *metadata.Entity
	fk     *metadata.Field
	fields []*metadata.Field
}

// NewDynamicAdmin checks base against the site's schema and returns a copy
// with defaults filled in and every inline resolved.
func NewDynamicAdmin(site *Site, base ModelAdmin) (*ModelAdmin, error) {
	reg := site.schema.Registry()
	e := reg.GetEntity(base.Entity)
	if e == nil {
		return nil, fmt.Errorf("admin: unknown entity %s", base.Entity)
	}
	fields, err := site.formFields(e, base.Fields, "")
	if err != nil {
		return nil, err
	}

	ma := &ModelAdmin{
		Entity: base.Entity,
		Fields: fieldNames(fields),
		site:   site,
		entity: e,
		fields: fields,
	}
	prefixes := make(map[string]bool)
	for _, in := range base.Inlines {
		resolved, err := site.inline(e, in)
		if err != nil {
			return nil, err
		}
		if prefixes[resolved.Prefix] {
			return nil, fmt.Errorf("admin %s: duplicate inline prefix %s", e.Name, resolved.Prefix)
		}
		prefixes[resolved.Prefix] = true
		ma.Inlines = append(ma.Inlines, resolved)
	}
	return ma, nil
}

func (s *Site) inline(parent *metadata.Entity, in Inline) (Inline, error) {
	ie := s.schema.Registry().GetEntity(in.Entity)
	if ie == nil {
		return in, fmt.Errorf("admin %s: unknown inline entity %s", parent.Name, in.Entity)
	}
	if in.FK == "" {
		rels := ie.RelationsTo(parent.Name)
		if len(rels) != 1 {
			return in, fmt.Errorf("admin %s: inline %s has %d relations to %s, set FK", parent.Name, ie.Name, len(rels), parent.Name)
		}
		in.fk = rels[0]
	} else {
		f := ie.GetField(in.FK)
		if f == nil || !f.IsToOne() || f.Target != parent.Name {
			return in, fmt.Errorf("admin %s: %s.%s is not a relation to %s", parent.Name, ie.Name, in.FK, parent.Name)
		}
		in.fk = f
	}
	in.FK = in.fk.Name
	if in.Prefix == "" {
		in.Prefix = ie.Name + "_set"
	}
	if in.Extra < 0 {
		in.Extra = 0
	}
	fields, err := s.formFields(ie, in.Fields, in.FK)
	if err != nil {
		return in, err
	}
	in.entity = ie
	in.fields = fields
	in.Fields = fieldNames(fields)
	return in, nil
}

// formFields resolves the fields a form edits. Relation fields must be
// known to the schema so their choices can be bound.
func (s *Site) formFields(e *metadata.Entity, names []string, exclude string) ([]*metadata.Field, error) {
	if len(names) == 0 {
		for _, f := range e.EditableFields() {
			if f.Name != exclude {
				names = append(names, f.Name)
			}
		}
	}
	fields := make([]*metadata.Field, 0, len(names))
	for _, name := range names {
		f := e.GetField(name)
		switch {
		case f == nil:
			return nil, fmt.Errorf("admin %s: unknown field %s", e.Name, name)
		case name == exclude:
			return nil, fmt.Errorf("admin %s: %s is set from the parent and cannot be edited", e.Name, name)
		case f.IsToMany() && f.Through.Entity != "":
			return nil, fmt.Errorf("admin %s: %s is managed through %s", e.Name, name, f.Through.Entity)
		case f.IsRelation() && s.schema.Field(e.Name, name) == nil:
			return nil, fmt.Errorf("admin %s: relation %s is not part of the choices schema", e.Name, name)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func fieldNames(fields []*metadata.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func (ma *ModelAdmin) EntityDef() *metadata.Entity { return ma.entity }
