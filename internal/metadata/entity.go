package metadata

type Entity struct {
	Name       string     `json:"name" yaml:"name"`
	Table      string     `json:"table" yaml:"table"`
	PrimaryKey PrimaryKey `json:"primary_key" yaml:"primary_key"`
	Display    string     `json:"display,omitempty" yaml:"display,omitempty"` // expr-lang expression rendering a record label
	Fields     []Field    `json:"fields" yaml:"fields"`
}

type PrimaryKey struct {
	Field     string `json:"field" yaml:"field"`
	Type      string `json:"type" yaml:"type"` // uuid, int, bigint, string
	Generated bool   `json:"generated" yaml:"generated"`
}

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names, primary key included.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// PrimaryKeyField returns the field backing the primary key. Entities that
// don't declare it explicitly get a synthetic field built from PrimaryKey.
func (e *Entity) PrimaryKeyField() *Field {
	if f := e.GetField(e.PrimaryKey.Field); f != nil {
		return f
	}
	return &Field{Name: e.PrimaryKey.Field, Type: e.PrimaryKey.Type, Kind: KindScalar}
}

// Columns returns the fields stored on the entity's own table: scalars and
// to-one relations. To-many relations live in join tables.
func (e *Entity) Columns() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.IsToMany() {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// ColumnNames returns the names of Columns.
func (e *Entity) ColumnNames() []string {
	cols := e.Columns()
	names := make([]string, len(cols))
	for i, f := range cols {
		names[i] = f.Name
	}
	return names
}

// EditableFields returns fields an admin form exposes.
// Excludes generated PKs and to-many relations declared through another entity.
func (e *Entity) EditableFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.Name == e.PrimaryKey.Field && e.PrimaryKey.Generated {
			continue
		}
		if f.IsToMany() && f.Through.Entity != "" {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// RelationsTo returns the to-one fields of e pointing at target.
func (e *Entity) RelationsTo(target string) []*Field {
	var fields []*Field
	for i := range e.Fields {
		f := &e.Fields[i]
		if f.IsToOne() && f.Target == target {
			fields = append(fields, f)
		}
	}
	return fields
}
