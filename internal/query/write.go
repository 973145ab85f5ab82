package query

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dynchoices/internal/metadata"
	"dynchoices/internal/store"
)

// Load fetches one record by primary key together with the keys of its
// to-many relations.
func (s *SQLSource) Load(ctx context.Context, e *metadata.Entity, pk any) (Record, error) {
	rec, err := s.Collection(e).Get(ctx, Eq(e.PrimaryKey.Field, pk))
	if err != nil {
		return nil, err
	}
	for i := range e.Fields {
		f := &e.Fields[i]
		if !f.IsToMany() || f.Through.Entity != "" {
			continue
		}
		keys, err := s.RelatedKeys(ctx, f, pk)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = keys
	}
	return rec, nil
}

// RelatedKeys returns the target keys joined to pk through a to-many field.
func (s *SQLSource) RelatedKeys(ctx context.Context, f *metadata.Field, pk any) ([]any, error) {
	pb := s.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
		f.Through.TargetKey, f.Through.Table, f.Through.SourceKey, pb.Add(pk), f.Through.TargetKey)
	rows, err := store.QueryRows(ctx, s.q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", f.Name, err)
	}
	keys := make([]any, len(rows))
	for i, row := range rows {
		keys[i] = row[f.Through.TargetKey]
	}
	return keys, nil
}

// Insert writes a new record and its to-many relations, returning the stored row.
func (s *SQLSource) Insert(ctx context.Context, e *metadata.Entity, values Record) (Record, error) {
	pb := s.dialect.NewParamBuilder()
	var cols, phs []string

	pk := e.PrimaryKey
	if pk.Generated && pk.Type == "uuid" && s.dialect.UUIDDefault() == "" {
		cols = append(cols, pk.Field)
		phs = append(phs, pb.Add(uuid.NewString()))
	}
	for _, name := range e.ColumnNames() {
		if name == pk.Field && pk.Generated {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		cols = append(cols, name)
		phs = append(phs, pb.Add(s.bind(fieldType(e, name), v)))
	}

	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", e.Table)
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", e.Table, strings.Join(cols, ", "), strings.Join(phs, ", "))
	}
	sqlStr += " RETURNING " + strings.Join(selectColumns(e), ", ")

	rec, err := store.QueryRow(ctx, s.q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", e.Name, s.dialect.MapError(err))
	}
	s.normalize(e, rec)
	if err := s.saveRelated(ctx, e, PK(e, rec), values, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update writes the given column values and to-many relations of pk.
func (s *SQLSource) Update(ctx context.Context, e *metadata.Entity, pk any, values Record) (Record, error) {
	pb := s.dialect.NewParamBuilder()
	var sets []string
	for _, name := range e.ColumnNames() {
		if name == e.PrimaryKey.Field {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		sets = append(sets, name+" = "+pb.Add(s.bind(fieldType(e, name), v)))
	}

	var rec Record
	var err error
	if len(sets) == 0 {
		rec, err = s.Collection(e).Get(ctx, Eq(e.PrimaryKey.Field, pk))
	} else {
		sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s RETURNING %s",
			e.Table, strings.Join(sets, ", "), e.PrimaryKey.Field, pb.Add(pk), strings.Join(selectColumns(e), ", "))
		rec, err = store.QueryRow(ctx, s.q, sqlStr, pb.Params()...)
		if errors.Is(err, store.ErrNotFound) {
			err = NewNotFoundError(e.Name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", e.Name, s.dialect.MapError(err))
	}
	s.normalize(e, rec)
	if err := s.saveRelated(ctx, e, pk, values, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes the record with the given primary key.
func (s *SQLSource) Delete(ctx context.Context, e *metadata.Entity, pk any) error {
	pb := s.dialect.NewParamBuilder()
	n, err := store.Exec(ctx, s.q, fmt.Sprintf("DELETE FROM %s WHERE %s = %s", e.Table, e.PrimaryKey.Field, pb.Add(pk)), pb.Params()...)
	if err != nil {
		return fmt.Errorf("delete %s: %w", e.Name, s.dialect.MapError(err))
	}
	if n == 0 {
		return NewNotFoundError(e.Name)
	}
	return nil
}

// SetRelated replaces the join rows of a to-many field.
func (s *SQLSource) SetRelated(ctx context.Context, f *metadata.Field, pk any, keys []any) error {
	pb := s.dialect.NewParamBuilder()
	del := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", f.Through.Table, f.Through.SourceKey, pb.Add(pk))
	if _, err := store.Exec(ctx, s.q, del, pb.Params()...); err != nil {
		return fmt.Errorf("clear %s: %w", f.Name, err)
	}
	for _, key := range keys {
		pb := s.dialect.NewParamBuilder()
		ins := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s)",
			f.Through.Table, f.Through.SourceKey, f.Through.TargetKey, pb.Add(pk), pb.Add(key))
		if _, err := store.Exec(ctx, s.q, ins, pb.Params()...); err != nil {
			return fmt.Errorf("link %s: %w", f.Name, s.dialect.MapError(err))
		}
	}
	return nil
}

func (s *SQLSource) saveRelated(ctx context.Context, e *metadata.Entity, pk any, values, rec Record) error {
	for i := range e.Fields {
		f := &e.Fields[i]
		if !f.IsToMany() || f.Through.Entity != "" {
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		keys := toSlice(v)
		if err := s.SetRelated(ctx, f, pk, keys); err != nil {
			return err
		}
		rec[f.Name] = keys
	}
	return nil
}

func (s *SQLSource) normalize(e *metadata.Entity, rec Record) {
	store.DecodeRows(s.dialect, columnTypes(e), []map[string]any{rec})
}

func fieldType(e *metadata.Entity, column string) string {
	if f := e.GetField(column); f != nil {
		return f.Type
	}
	return ""
}
