package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteDialect targets modernc.org/sqlite. Booleans live in INTEGER
// columns and dates and timestamps in TEXT.
type SQLiteDialect struct{}

const (
	sqliteDate     = "2006-01-02"
	sqliteDateTime = "2006-01-02 15:04:05"
)

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string { return "?" + fmt.Sprint(index) }

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder { return newParams(d.Placeholder) }

func (d *SQLiteDialect) NowExpr() string     { return "datetime('now')" }
func (d *SQLiteDialect) UUIDDefault() string { return "" }

func (d *SQLiteDialect) ColumnType(fieldType string) string {
	switch fieldType {
	case "boolean", "int", "integer", "smallint", "bigint":
		return "INTEGER"
	case "decimal", "float":
		return "REAL"
	}
	return "TEXT"
}

func (d *SQLiteDialect) EncodeValue(fieldType string, v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		if fieldType == "date" {
			return val.Format(sqliteDate)
		}
		return val.UTC().Format(time.RFC3339Nano)
	}
	return v
}

func (d *SQLiteDialect) DecodeValue(fieldType string, v any) any {
	switch fieldType {
	case "boolean":
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		}
	case "timestamp":
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, sqliteDateTime} {
				if t, err := time.Parse(layout, s); err == nil {
					return t
				}
			}
		}
	}
	return v
}

func (d *SQLiteDialect) SerialPrimaryKey(column string) string {
	return column + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?1", tableName).Scan(&n)
	return n > 0, err
}

// GetColumns reads PRAGMA table_info; only the name and declared type
// columns are kept.
func (d *SQLiteDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT name, type FROM pragma_table_info(?1)", tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := map[string]string{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		cols[name] = typ
	}
	return cols, rows.Err()
}

// ArrayParam stores string lists as JSON text.
func (d *SQLiteDialect) ArrayParam(values []string) any {
	if len(values) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) ScanArray(src any) ([]string, error) {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	}
	raw = strings.TrimSpace(raw)
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []string{}, fmt.Errorf("scan array: %w", err)
	}
	return out, nil
}

var sqliteConstraints = []struct {
	text string
	err  error
}{
	{"UNIQUE constraint failed", ErrUniqueViolation},
	{"constraint failed: UNIQUE", ErrUniqueViolation},
	{"FOREIGN KEY constraint failed", ErrForeignKeyViolation},
	{"NOT NULL constraint failed", ErrNotNullViolation},
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, c := range sqliteConstraints {
		if strings.Contains(msg, c.text) {
			return fmt.Errorf("%w: %w", c.err, err)
		}
	}
	return err
}

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name       TEXT PRIMARY KEY,
    table_name TEXT NOT NULL UNIQUE,
    definition TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _users (
    id            TEXT PRIMARY KEY,
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT NOT NULL DEFAULT '[]',
    active        INTEGER NOT NULL DEFAULT 1,
    created_at    TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS _refresh_tokens_user ON _refresh_tokens(user_id);
`
