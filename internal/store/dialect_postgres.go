package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresDialect targets PostgreSQL through the pgx database/sql driver.
type PostgresDialect struct{}

var pgColumnTypes = map[string]string{
	"string":    "TEXT",
	"text":      "TEXT",
	"int":       "INTEGER",
	"integer":   "INTEGER",
	"smallint":  "INTEGER",
	"bigint":    "BIGINT",
	"float":     "DOUBLE PRECISION",
	"decimal":   "NUMERIC",
	"boolean":   "BOOLEAN",
	"uuid":      "UUID",
	"timestamp": "TIMESTAMPTZ",
	"date":      "DATE",
	"json":      "JSONB",
}

// SQLSTATE classes reported by pgconn.PgError.Code.
var pgConstraints = map[string]error{
	"23502": ErrNotNullViolation,
	"23503": ErrForeignKeyViolation,
	"23505": ErrUniqueViolation,
}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string { return "$" + fmt.Sprint(index) }

func (d *PostgresDialect) NewParamBuilder() ParamBuilder { return newParams(d.Placeholder) }

func (d *PostgresDialect) NowExpr() string     { return "NOW()" }
func (d *PostgresDialect) UUIDDefault() string { return "DEFAULT gen_random_uuid()" }

func (d *PostgresDialect) ColumnType(fieldType string) string {
	if t, ok := pgColumnTypes[fieldType]; ok {
		return t
	}
	return "TEXT"
}

func (d *PostgresDialect) SerialPrimaryKey(column string) string {
	return column + " BIGSERIAL PRIMARY KEY"
}

func (d *PostgresDialect) SystemTablesSQL() string { return pgSystemTablesSQL }

func (d *PostgresDialect) TableExists(ctx context.Context, db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT to_regclass('public.' || $1) IS NOT NULL`, tableName).Scan(&exists)
	return exists, err
}

func (d *PostgresDialect) GetColumns(ctx context.Context, db *sql.DB, tableName string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, data_type
		   FROM information_schema.columns
		  WHERE table_schema = 'public' AND table_name = $1`, tableName)
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

// EncodeValue passes values through; pgx binds bool and time.Time natively.
func (d *PostgresDialect) EncodeValue(_ string, v any) any { return v }

// DecodeValue renders DATE columns as "2006-01-02" so both dialects hand
// back the same representation.
func (d *PostgresDialect) DecodeValue(fieldType string, v any) any {
	if t, ok := v.(time.Time); ok && fieldType == "date" {
		return t.Format(sqliteDate)
	}
	return v
}

func (d *PostgresDialect) ArrayParam(values []string) any {
	if values == nil {
		return []string{}
	}
	return values
}

// ScanArray accepts the decoded slice or the text form of a TEXT[] value.
func (d *PostgresDialect) ScanArray(src any) ([]string, error) {
	switch v := src.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case []byte:
		return parsePgArray(string(v))
	case string:
		return parsePgArray(v)
	}
	return []string{}, nil
}

// parsePgArray reads an array literal such as {admin,"user"}. JSON arrays
// are accepted too.
func parsePgArray(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "{}":
		return []string{}, nil
	case strings.HasPrefix(s, "["):
		var out []string
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("scan array: %w", err)
		}
		return out, nil
	case strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}"):
		parts := strings.Split(s[1:len(s)-1], ",")
		for i, p := range parts {
			parts[i] = strings.Trim(strings.TrimSpace(p), `"`)
		}
		return parts, nil
	}
	return []string{s}, nil
}

func (d *PostgresDialect) MapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if sentinel, ok := pgConstraints[pgErr.Code]; ok {
			return fmt.Errorf("%w: %w", sentinel, err)
		}
		return err
	}
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _entities (
    name       TEXT PRIMARY KEY,
    table_name TEXT NOT NULL UNIQUE,
    definition JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT[] NOT NULL DEFAULT '{}',
    active        BOOLEAN NOT NULL DEFAULT true,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    user_id    UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    token      TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS _refresh_tokens_user ON _refresh_tokens(user_id);
`
