package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"dynchoices/internal/admin"
	"dynchoices/internal/auth"
	"dynchoices/internal/instrument"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin and choices endpoints",
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
			if migrate && !demo {
				if err := e.migrator.MigrateAll(ctx); err != nil {
					return err
				}
			}

			app := newApp(e)
			addr := fmt.Sprintf(":%d", e.cfg.Server.Port)
			log.Printf("Starting server on %s", addr)
			return app.Listen(addr)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "create missing tables and columns before serving")
	return cmd
}

func newApp(e *env) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: admin.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(instrument.Middleware(e.cfg.Instrumentation, instrument.NewInstrumenter(instrument.LogSink)))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// no auth on login/refresh/logout
	auth.RegisterAuthRoutes(app, auth.NewAuthHandler(e.store, e.cfg.Auth))

	authMW := auth.AuthMiddleware(e.cfg.Auth.JWTSecret)
	admin.RegisterAdminRoutes(app, admin.NewHandler(e.site, e.migrator), authMW, auth.RequireAdmin())
	return app
}
