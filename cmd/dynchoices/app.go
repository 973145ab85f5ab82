package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"dynchoices/internal/admin"
	"dynchoices/internal/choices"
	"dynchoices/internal/config"
	"dynchoices/internal/metadata"
	"dynchoices/internal/puppets"
	"dynchoices/internal/store"
)

// env is everything a command needs once config and database are up.
type env struct {
	cfg      *config.Config
	store    *store.Store
	site     *admin.Site
	migrator *store.Migrator
}

func (e *env) Close() { e.store.Close() }

// open loads the config and connects to the database. Nothing is built yet.
func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if demo {
		cfg.Database = config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}
	}
	log.Printf("Config loaded (port: %d, db: %s)", cfg.Server.Port, cfg.Database.Driver)

	s, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := s.Bootstrap(ctx, cfg.Auth); err != nil {
		s.Close()
		return nil, err
	}
	log.Println("System tables ready")
	return &env{cfg: cfg, store: s}, nil
}

// build loads the entity schema, compiles its dynamic fields and registers
// the admins. With --demo the seeded puppet schema is used instead.
func (e *env) build(ctx context.Context) error {
	if demo {
		site, err := puppets.Setup(ctx, e.store, e.cfg.Admin)
		if err != nil {
			return err
		}
		if err := puppets.Seed(ctx, site); err != nil {
			return err
		}
		site.RegisterDefaults()
		e.site = site
		e.migrator = store.NewMigrator(e.store, site.Schema().Registry())
		return nil
	}

	reg := metadata.NewRegistry()
	var admins []admin.ModelAdmin
	if path := e.cfg.Schema.Path; path != "" {
		if err := metadata.LoadFile(path, reg); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if admins, err = admin.ParseAdmins(data); err != nil {
			return err
		}
	} else if err := metadata.LoadAll(ctx, e.store.DB, reg); err != nil {
		log.Printf("WARN: Failed to load metadata: %v", err)
	}

	e.migrator = store.NewMigrator(e.store, reg)
	schema := choices.NewSchema(reg, puppets.Callbacks())
	if err := schema.Build(); err != nil {
		return err
	}

	e.site = admin.NewSite(schema, e.store, e.cfg.Admin)
	for _, ma := range admins {
		if _, err := e.site.Register(ma); err != nil {
			return err
		}
	}
	e.site.RegisterDefaults()
	log.Printf("Admins ready: %v", e.site.Entities())
	return nil
}
