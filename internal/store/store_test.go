package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynchoices/internal/config"
	"dynchoices/internal/metadata"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testRegistry(t *testing.T) *metadata.Registry {
	t.Helper()
	reg := metadata.NewRegistry()
	require.NoError(t, reg.Load([]*metadata.Entity{
		{Name: "author", Fields: []metadata.Field{
			{Name: "name", Type: "string", Required: true, Unique: true},
		}},
		{Name: "book", Fields: []metadata.Field{
			{Name: "title", Type: "string", Required: true},
			{Name: "author", Kind: metadata.KindToOne, Target: "author", Required: true},
			{Name: "editors", Kind: metadata.KindToMany, Target: "author"},
		}},
	}))
	return reg
}

func TestParamBuilders(t *testing.T) {
	pg := NewDialect("postgres").NewParamBuilder()
	assert.Equal(t, "$1", pg.Add("a"))
	assert.Equal(t, "$2", pg.Add("b"))
	assert.Equal(t, []any{"a", "b"}, pg.Params())

	lite := NewDialect("sqlite").NewParamBuilder()
	assert.Equal(t, "?1", lite.Add(1))
	assert.Equal(t, 1, lite.Count())
}

func TestInExpr(t *testing.T) {
	pb := NewDialect("postgres").NewParamBuilder()
	assert.Equal(t, "id IN ($1, $2)", InExpr("id", pb, []any{1, 2}))
	assert.Equal(t, "1=0", InExpr("id", pb, nil))
	assert.Equal(t, "id NOT IN ($3)", NotInExpr("id", pb, []any{3}))
	assert.Equal(t, "1=1", NotInExpr("id", pb, nil))
}

func TestBootstrapSeedsAdminOnce(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	auth := config.AuthConfig{AdminEmail: "admin@localhost", AdminPassword: "changeme"}

	require.NoError(t, s.Bootstrap(ctx, auth))
	require.NoError(t, s.Bootstrap(ctx, auth))

	rows, err := QueryRows(ctx, s.DB, "SELECT email, roles FROM _users")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "admin@localhost", rows[0]["email"])
	roles, err := s.Dialect.ScanArray(rows[0]["roles"])
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
}

func TestMigrateAllCreatesTablesAndJoinTables(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	reg := testRegistry(t)

	require.NoError(t, NewMigrator(s, reg).MigrateAll(ctx))
	// second run only checks columns
	require.NoError(t, NewMigrator(s, reg).MigrateAll(ctx))

	cols, err := s.Dialect.GetColumns(ctx, s.DB, "book")
	require.NoError(t, err)
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "author")
	assert.NotContains(t, cols, "editors")

	exists, err := s.Dialect.TableExists(ctx, s.DB, "book_editors")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = Exec(ctx, s.DB, "INSERT INTO author (name) VALUES (?1)", "Ann")
	require.NoError(t, err)
	_, err = s.DB.ExecContext(ctx, "INSERT INTO author (name) VALUES (?1)", "Ann")
	assert.True(t, errors.Is(MapError(s.Dialect, err), ErrUniqueViolation))

	_, err = s.DB.ExecContext(ctx, "INSERT INTO book (title, author) VALUES (?1, ?2)", "Lost", 99)
	assert.True(t, errors.Is(MapError(s.Dialect, err), ErrForeignKeyViolation))
}

func TestMigrateAddsMissingColumns(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	reg := testRegistry(t)
	m := NewMigrator(s, reg)
	require.NoError(t, m.MigrateAll(ctx))

	author := reg.GetEntity("author")
	author.Fields = append(author.Fields, metadata.Field{Name: "born", Type: "date", Kind: metadata.KindScalar})
	require.NoError(t, m.Migrate(ctx, author))

	cols, err := s.Dialect.GetColumns(ctx, s.DB, "author")
	require.NoError(t, err)
	assert.Contains(t, cols, "born")
}

func TestSaveEntityAndLoadAll(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.Bootstrap(ctx, config.AuthConfig{}))

	reg := testRegistry(t)
	for _, e := range reg.AllEntities() {
		require.NoError(t, s.SaveEntity(ctx, s.DB, e))
	}
	// upsert
	require.NoError(t, s.SaveEntity(ctx, s.DB, reg.GetEntity("book")))

	loaded := metadata.NewRegistry()
	require.NoError(t, metadata.LoadAll(ctx, s.DB, loaded))
	require.NotNil(t, loaded.GetEntity("book"))
	assert.Equal(t, metadata.KindToMany, loaded.GetEntity("book").GetField("editors").Kind)
}

func TestQueryRowNotFound(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	require.NoError(t, s.Bootstrap(ctx, config.AuthConfig{}))

	_, err := QueryRow(ctx, s.DB, "SELECT * FROM _users WHERE email = ?1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresMapError(t *testing.T) {
	d := &PostgresDialect{}
	assert.Nil(t, d.MapError(nil))

	unique := &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	assert.ErrorIs(t, d.MapError(unique), ErrUniqueViolation)

	fk := &pgconn.PgError{Code: "23503"}
	assert.ErrorIs(t, d.MapError(fk), ErrForeignKeyViolation)

	notNull := &pgconn.PgError{Code: "23502"}
	assert.ErrorIs(t, d.MapError(notNull), ErrNotNullViolation)

	other := errors.New("connection reset")
	assert.Equal(t, other, d.MapError(other))
}

func TestDecodeRows(t *testing.T) {
	rows := []map[string]any{
		{"active": int64(1), "n": int64(1), "seen": "2024-03-01T10:00:00Z"},
		{"active": int64(0), "seen": nil},
	}
	DecodeRows(&SQLiteDialect{}, map[string]string{"active": "boolean", "seen": "timestamp"}, rows)
	assert.Equal(t, true, rows[0]["active"])
	assert.Equal(t, int64(1), rows[0]["n"])
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), rows[0]["seen"])
	assert.Equal(t, false, rows[1]["active"])
	assert.Nil(t, rows[1]["seen"])
}

func TestSQLiteEncodeValue(t *testing.T) {
	d := &SQLiteDialect{}
	day := time.Date(2011, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2011-05-01", d.EncodeValue("date", day))
	assert.Equal(t, "2011-05-01T00:00:00Z", d.EncodeValue("timestamp", day))
	assert.Equal(t, int64(1), d.EncodeValue("boolean", true))
	assert.Equal(t, "x", d.EncodeValue("string", "x"))

	// SQLite's own datetime('now') format is accepted on the way back.
	got := d.DecodeValue("timestamp", "2011-05-01 12:30:00")
	assert.Equal(t, time.Date(2011, 5, 1, 12, 30, 0, 0, time.UTC), got)
}

func TestPostgresDecodeDate(t *testing.T) {
	d := &PostgresDialect{}
	day := time.Date(2011, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2011-05-01", d.DecodeValue("date", day))
	assert.Equal(t, day, d.DecodeValue("timestamp", day))
	assert.Equal(t, true, d.EncodeValue("boolean", true))
}

func TestParsePgArray(t *testing.T) {
	got, err := parsePgArray(`{admin,"user"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "user"}, got)
}
