package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"dynchoices/internal/admin"
	"dynchoices/internal/query"
)

func choicesCmd() *cobra.Command {
	var (
		id          string
		showContext bool
	)
	cmd := &cobra.Command{
		Use:   "choices ENTITY [name=value ...]",
		Short: "Print the dynamic choices of a change form for the given form values",
		Args:  cobra.MinimumNArgs(1),
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

			ma := e.site.Admin(args[0])
			if ma == nil {
				return admin.UnknownEntityError(args[0])
			}
			payload := url.Values{}
			for _, kv := range args[1:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("expected name=value, got %q", kv)
				}
				payload.Add(k, v)
			}
			for _, in := range ma.Inlines {
				for _, k := range []string{"TOTAL_FORMS", "INITIAL_FORMS"} {
					if _, ok := payload[in.Prefix+"-"+k]; !ok {
						payload.Set(in.Prefix+"-"+k, "0")
					}
				}
			}

			var instance query.Record
			if id != "" {
				if instance, err = ma.Object(ctx, id); err != nil {
					return err
				}
			}
			page, err := ma.Page(ctx, instance, payload, true)
			if err != nil {
				return err
			}
			data, err := page.Choices(ctx, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if showContext {
				return enc.Encode(map[string]any{
					"context": page.Main.Context.Values(),
					"choices": data,
				})
			}
			return enc.Encode(data)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "primary key of the record being changed")
	cmd.Flags().BoolVar(&showContext, "context", false, "also print the values the choices were resolved against")
	return cmd
}
