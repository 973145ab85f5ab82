package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadAll reads all entity definitions from the _entities table and registers them.
func LoadAll(ctx context.Context, db *sql.DB, reg *Registry) error {
	entities, err := loadEntities(ctx, db)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}
	if err := reg.Load(entities); err != nil {
		return fmt.Errorf("register entities: %w", err)
	}
	log.Printf("Loaded %d entities into registry", len(entities))
	return nil
}

func loadEntities(ctx context.Context, db *sql.DB) ([]*Entity, error) {
	rows, err := db.QueryContext(ctx, "SELECT name, definition FROM _entities ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		var name string
		var defJSON []byte
		if err := rows.Scan(&name, &defJSON); err != nil {
			return nil, fmt.Errorf("scan entity row: %w", err)
		}

		var entity Entity
		if err := json.Unmarshal(defJSON, &entity); err != nil {
			log.Printf("WARN: skipping entity %s (invalid JSON): %v", name, err)
			continue
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

// SchemaFile is the YAML layout accepted by LoadFile and ParseSchema.
type SchemaFile struct {
	Entities []*Entity `yaml:"entities"`
}

// ParseSchema decodes a YAML schema document.
func ParseSchema(data []byte) ([]*Entity, error) {
	var doc SchemaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return doc.Entities, nil
}

// LoadFile reads a YAML schema file and registers its entities.
func LoadFile(path string, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", path, err)
	}
	entities, err := ParseSchema(data)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	log.Printf("Loaded %d entities from %s", len(entities), path)
	return nil
}
