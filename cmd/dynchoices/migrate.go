package main

import (
	"context"
	"log"

	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or extend the tables of every entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			e, err := open(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.build(ctx); err != nil {
				return err
			}
			if err := e.migrator.MigrateAll(ctx); err != nil {
				return err
			}
			log.Println("Migration complete")
			return nil
		},
	}
}
