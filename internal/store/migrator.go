package store

import (
	"context"
	"fmt"
	"strings"

	"dynchoices/internal/metadata"
)

type Migrator struct {
	store *Store
	reg   *metadata.Registry
}

func NewMigrator(store *Store, reg *metadata.Registry) *Migrator {
	return &Migrator{store: store, reg: reg}
}

// MigrateAll migrates every registered entity, then the join tables of
// their to-many relations.
func (m *Migrator) MigrateAll(ctx context.Context) error {
	entities := m.reg.AllEntities()
	for _, e := range entities {
		if err := m.Migrate(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range entities {
		for i := range e.Fields {
			f := &e.Fields[i]
			if !f.IsToMany() || f.Through.Entity != "" {
				continue
			}
			if err := m.MigrateJoinTable(ctx, e, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// Migrate ensures the table matches the entity metadata.
// Creates the table if it doesn't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		return m.createTable(ctx, entity)
	}
	return m.alterTable(ctx, entity)
}

// MigrateJoinTable creates the join table of a to-many relation if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, source *metadata.Entity, f *metadata.Field) error {
	target := m.reg.Target(f)
	if target == nil {
		return fmt.Errorf("join table %s: unknown target entity %s", f.Through.Table, f.Target)
	}
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, f.Through.Table)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	d := m.store.Dialect
	ddl := fmt.Sprintf(
		`CREATE TABLE %s (
			%s %s NOT NULL REFERENCES %s(%s) ON DELETE CASCADE,
			%s %s NOT NULL REFERENCES %s(%s) ON DELETE CASCADE,
			PRIMARY KEY (%s, %s)
		)`,
		f.Through.Table,
		f.Through.SourceKey, d.ColumnType(source.PrimaryKey.Type), source.Table, source.PrimaryKey.Field,
		f.Through.TargetKey, d.ColumnType(target.PrimaryKey.Type), target.Table, target.PrimaryKey.Field,
		f.Through.SourceKey, f.Through.TargetKey,
	)
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create join table %s: %w", f.Through.Table, err)
	}
	return nil
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	var cols []string
	if !entity.HasField(entity.PrimaryKey.Field) {
		cols = append(cols, m.primaryKeyDef(entity))
	}
	for _, f := range entity.Columns() {
		cols = append(cols, m.buildColumnDef(entity, &f))
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	return m.createIndexes(ctx, entity)
}

func (m *Migrator) alterTable(ctx context.Context, entity *metadata.Entity) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", entity.Table, err)
	}

	for _, f := range entity.Columns() {
		if _, ok := existing[f.Name]; ok || f.Name == entity.PrimaryKey.Field {
			continue
		}
		// New columns are always nullable so existing rows stay valid.
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", entity.Table, f.Name, m.columnType(&f))
		if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", entity.Table, f.Name, err)
		}
	}
	return m.createIndexes(ctx, entity)
}

func (m *Migrator) primaryKeyDef(entity *metadata.Entity) string {
	pk := entity.PrimaryKey
	d := m.store.Dialect
	if pk.Generated {
		switch pk.Type {
		case "int", "integer", "bigint":
			return d.SerialPrimaryKey(pk.Field)
		case "uuid":
			col := pk.Field + " " + d.ColumnType("uuid") + " PRIMARY KEY"
			if def := d.UUIDDefault(); def != "" {
				col += " " + def
			}
			return col
		}
	}
	return pk.Field + " " + d.ColumnType(pk.Type) + " PRIMARY KEY"
}

// columnType returns the DDL type of a column; to-one relations take the
// type of their target's primary key.
func (m *Migrator) columnType(f *metadata.Field) string {
	if f.IsToOne() {
		if target := m.reg.Target(f); target != nil {
			return m.store.Dialect.ColumnType(target.PrimaryKey.Type)
		}
	}
	return m.store.Dialect.ColumnType(f.Type)
}

func (m *Migrator) buildColumnDef(entity *metadata.Entity, f *metadata.Field) string {
	if f.Name == entity.PrimaryKey.Field {
		return m.primaryKeyDef(entity)
	}

	col := f.Name + " " + m.columnType(f)
	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}
	if f.IsToOne() {
		if target := m.reg.Target(f); target != nil {
			col += fmt.Sprintf(" REFERENCES %s(%s)", target.Table, target.PrimaryKey.Field)
			if f.Nullable {
				col += " ON DELETE SET NULL"
			} else {
				col += " ON DELETE CASCADE"
			}
		}
	}
	return col
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Columns() {
		var ddl string
		switch {
		case f.Unique:
			ddl = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				entity.Table, f.Name, entity.Table, f.Name)
		case f.IsToOne():
			ddl = fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				entity.Table, f.Name, entity.Table, f.Name)
		default:
			continue
		}
		if _, err := m.store.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index on %s.%s: %w", entity.Table, f.Name, err)
		}
	}
	return nil
}
