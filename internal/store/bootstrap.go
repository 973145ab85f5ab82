package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"dynchoices/internal/config"
	"dynchoices/internal/metadata"
)

// Bootstrap creates the system tables and seeds the first admin user.
func (s *Store) Bootstrap(ctx context.Context, auth config.AuthConfig) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	if err := s.seedAdminUser(ctx, auth); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	return nil
}

func (s *Store) seedAdminUser(ctx context.Context, auth config.AuthConfig) error {
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM _users").Scan(&count); err != nil {
		return err
	}
	if count > 0 || auth.AdminEmail == "" {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(auth.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	pb := s.Dialect.NewParamBuilder()
	var cols, vals []string
	if s.Dialect.UUIDDefault() == "" {
		cols = append(cols, "id")
		vals = append(vals, pb.Add(uuid.NewString()))
	}
	cols = append(cols, "email", "password_hash", "roles")
	vals = append(vals, pb.Add(auth.AdminEmail), pb.Add(string(hash)), pb.Add(s.Dialect.ArrayParam([]string{"admin"})))

	query := fmt.Sprintf("INSERT INTO _users (%s) VALUES (%s)", strings.Join(cols, ", "), strings.Join(vals, ", "))
	if _, err := s.DB.ExecContext(ctx, query, pb.Params()...); err != nil {
		return s.Dialect.MapError(err)
	}

	log.Printf("WARN: Default admin user created (%s); change the password immediately.", auth.AdminEmail)
	return nil
}

// SaveEntity upserts an entity definition into _entities so LoadAll can
// rebuild the registry on the next start.
func (s *Store) SaveEntity(ctx context.Context, q Querier, entity *metadata.Entity) error {
	def, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("marshal entity %s: %w", entity.Name, err)
	}
	pb := s.Dialect.NewParamBuilder()
	query := fmt.Sprintf(
		"INSERT INTO _entities (name, table_name, definition) VALUES (%s, %s, %s) "+
			"ON CONFLICT (name) DO UPDATE SET table_name = EXCLUDED.table_name, definition = EXCLUDED.definition, updated_at = %s",
		pb.Add(entity.Name), pb.Add(entity.Table), pb.Add(string(def)), s.Dialect.NowExpr(),
	)
	if _, err := q.ExecContext(ctx, query, pb.Params()...); err != nil {
		return fmt.Errorf("save entity %s: %w", entity.Name, s.Dialect.MapError(err))
	}
	return nil
}
