package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compile the schema and list every dynamic field",
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

			out := cmd.OutOrStdout()
			schema := e.site.Schema()
			for _, ent := range schema.Registry().AllEntities() {
				for _, df := range schema.Fields(ent.Name) {
					if !df.HasCallback() {
						continue
					}
					deps := strings.Join(df.Relationships(), ", ")
					if deps == "" {
						deps = "-"
					}
					fmt.Fprintf(out, "%s.%s -> %s\t%s\tdepends on: %s\n",
						ent.Name, df.Name(), df.Field.Target, df.Callback().Name, deps)
				}
			}
			for _, name := range e.site.Entities() {
				b := e.site.Admin(name).Binder()
				for field, deps := range b.Fields {
					fmt.Fprintf(out, "admin %s: %s refreshes %s\n", name, field, strings.Join(deps, ", "))
				}
			}
			return schema.Check()
		},
	}
}
