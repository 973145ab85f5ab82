// Package puppets is a small application built on dynamic choices: masters
// and their puppets, who pick friends and enemies according to alignment.
package puppets

import (
	"context"
	_ "embed"
	"fmt"

	"dynchoices/internal/admin"
	"dynchoices/internal/choices"
	"dynchoices/internal/config"
	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

//go:embed schema.yaml
var schemaYAML []byte

const (
	Evil    int64 = 0
	Good    int64 = 1
	Neutral int64 = 2
)

var alignmentLabels = map[int64]string{Evil: "Evil", Good: "Good", Neutral: "Neutral"}

// Entities decodes the embedded entity definitions.
func Entities() ([]*metadata.Entity, error) {
	return metadata.ParseSchema(schemaYAML)
}

// Admins decodes the embedded admin declarations.
func Admins() ([]admin.ModelAdmin, error) {
	return admin.ParseAdmins(schemaYAML)
}

// Setup registers the puppet entities, creates their tables and returns a
// site serving their admins.
func Setup(ctx context.Context, s *store.Store, cfg config.AdminConfig) (*admin.Site, error) {
	entities, err := Entities()
	if err != nil {
		return nil, err
	}
	reg := metadata.NewRegistry()
	if err := reg.Load(entities); err != nil {
		return nil, err
	}
	if err := store.NewMigrator(s, reg).MigrateAll(ctx); err != nil {
		return nil, fmt.Errorf("migrate puppets: %w", err)
	}

	schema := choices.NewSchema(reg, Callbacks())
	if err := schema.Build(); err != nil {
		return nil, err
	}

	site := admin.NewSite(schema, s, cfg)
	admins, err := Admins()
	if err != nil {
		return nil, err
	}
	for _, ma := range admins {
		if _, err := site.Register(ma); err != nil {
			return nil, err
		}
	}
	return site, nil
}

// Seed inserts two masters, two puppets and one enmity:
//
//	master 1 Good, master 2 Evil
//	puppet 1 Good (master 1), puppet 2 Evil (master 2)
//	enemy 1: puppet 1 hates puppet 2 because of master 2
func Seed(ctx context.Context, site *admin.Site) error {
	src := site.Source()
	reg := site.Schema().Registry()
	master, puppet, enemy := reg.GetEntity("master"), reg.GetEntity("puppet"), reg.GetEntity("enemy")

	rows := []struct {
		entity *metadata.Entity
		values query.Record
	}{
		{master, query.Record{"alignment": Good}},
		{master, query.Record{"alignment": Evil}},
		{puppet, query.Record{"alignment": Good, "master": int64(1)}},
		{puppet, query.Record{"alignment": Evil, "master": int64(2)}},
		{enemy, query.Record{"puppet": int64(1), "enemy": int64(2), "because_of": int64(2), "since": "2010-01-01"}},
	}
	for _, r := range rows {
		if _, err := src.Insert(ctx, r.entity, r.values); err != nil {
			return fmt.Errorf("seed %s: %w", r.entity.Name, err)
		}
	}
	return nil
}
