package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	demo       bool
)

func main() {
	root := &cobra.Command{
		Use:           "dynchoices",
		Short:         "Admin forms whose relation choices follow the values being edited",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./app.yaml)")
	root.PersistentFlags().BoolVar(&demo, "demo", false, "serve the seeded puppet schema from an in-memory database")

	root.AddCommand(serveCmd(), checkCmd(), migrateCmd(), choicesCmd())

	if err := root.Execute(); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
}
