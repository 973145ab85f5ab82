package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"dynchoices/internal/choices"
	"dynchoices/internal/instrument"
	"dynchoices/internal/metadata"
	"dynchoices/internal/query"
	"dynchoices/internal/store"
)

type Handler struct {
	site     *Site
	migrator *store.Migrator
}

func NewHandler(site *Site, mig *store.Migrator) *Handler {
	return &Handler{site: site, migrator: mig}
}

// RegisterAdminRoutes mounts the change forms under /admin and the schema
// endpoints under /api/_admin. Literal "add" routes precede the :id ones.
func RegisterAdminRoutes(app *fiber.App, h *Handler, middleware ...fiber.Handler) {
	forms := app.Group("/admin", middleware...)
	forms.Get("/:entity/add/choices", h.Choices)
	forms.Get("/:entity/:id/choices", h.Choices)
	forms.Get("/:entity/add", h.View)
	forms.Get("/:entity/:id", h.View)
	forms.Post("/:entity/add", h.Save)
	forms.Post("/:entity/:id", h.Save)

	schema := app.Group("/api/_admin", middleware...)
	schema.Get("/entities", h.ListEntities)
	schema.Get("/entities/:name", h.GetEntity)
	schema.Post("/entities", h.CreateEntity)
}

// --- Change forms ---

func (h *Handler) modelAdmin(c *fiber.Ctx) (*ModelAdmin, error) {
	name := c.Params("entity")
	ma := h.site.Admin(name)
	if ma == nil {
		return nil, UnknownEntityError(name)
	}
	return ma, nil
}

// object loads the record named by :id; add routes have none.
func (h *Handler) object(ctx context.Context, c *fiber.Ctx, ma *ModelAdmin) (query.Record, error) {
	id := c.Params("id")
	if id == "" {
		return nil, nil
	}
	return ma.Object(ctx, id)
}

func queryValues(c *fiber.Ctx) (url.Values, error) {
	values, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		return nil, BadRequestError("Malformed query string: " + err.Error())
	}
	return values, nil
}

// Choices answers the client-side refresh: the choices of every dynamic
// field of the page, computed from the submitted (not yet saved) values.
func (h *Handler) Choices(c *fiber.Ctx) error {
	ma, err := h.modelAdmin(c)
	if err != nil {
		return err
	}
	ctx, span := instrument.GetInstrumenter(c.UserContext()).StartSpan(c.UserContext(), "admin", "handler", "choices")
	defer span.End()
	span.SetEntity(ma.Entity, c.Params("id"))
	span.SetStatus("error")

	instance, err := h.object(ctx, c, ma)
	if err != nil {
		return err
	}
	payload, err := queryValues(c)
	if err != nil {
		return err
	}
	page, err := ma.Page(ctx, instance, payload, true)
	if err != nil {
		return err
	}

	var only []string
	if raw, ok := payload[h.site.cfg.FieldsParam]; ok && len(raw) > 0 {
		only = strings.Split(raw[0], ",")
	}
	data, err := page.Choices(ctx, only)
	if err != nil {
		return fmt.Errorf("choices of %s: %w", ma.Entity, err)
	}
	span.SetMetadata("fields", len(data))
	span.SetStatus("ok")
	return c.JSON(data)
}

// View describes the add or change form. Query values seed the choices
// context the way a pre-filled add link does.
func (h *Handler) View(c *fiber.Ctx) error {
	ma, err := h.modelAdmin(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	instance, err := h.object(ctx, c, ma)
	if err != nil {
		return err
	}
	payload, err := queryValues(c)
	if err != nil {
		return err
	}
	page, err := ma.Page(ctx, instance, payload, false)
	if err != nil {
		return err
	}
	desc, err := page.Describe(ctx)
	if err != nil {
		return fmt.Errorf("describe %s: %w", ma.Entity, err)
	}
	return c.JSON(fiber.Map{"data": desc})
}

// Save validates a submitted form with its inline rows and writes them. An
// invalid submission is answered with the errors and the re-bound page.
func (h *Handler) Save(c *fiber.Ctx) error {
	ma, err := h.modelAdmin(c)
	if err != nil {
		return err
	}
	ctx := c.UserContext()
	instance, err := h.object(ctx, c, ma)
	if err != nil {
		return err
	}
	payload, err := url.ParseQuery(string(c.Body()))
	if err != nil {
		return BadRequestError("Malformed form body: " + err.Error())
	}
	page, err := ma.Page(ctx, instance, payload, true)
	if err != nil {
		return err
	}

	rec, err := page.Save(ctx)
	if err != nil {
		var appErr *AppError
		if errors.As(err, &appErr) && appErr.Code == "VALIDATION_FAILED" {
			desc, derr := page.Describe(ctx)
			if derr != nil {
				return fmt.Errorf("describe %s: %w", ma.Entity, derr)
			}
			return c.Status(appErr.Status).JSON(fiber.Map{"error": appErr, "data": desc})
		}
		return err
	}

	status := fiber.StatusOK
	if instance == nil {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"data": rec})
}

// --- Schema endpoints ---

type entitySummary struct {
	Name    string         `json:"name"`
	Table   string         `json:"table"`
	Admin   bool           `json:"admin"`
	Dynamic []dynamicField `json:"dynamic_fields"`
}

type dynamicField struct {
	Name          string   `json:"name"`
	Target        string   `json:"target"`
	Callback      string   `json:"callback,omitempty"`
	Relationships []string `json:"relationships"`
	Ready         bool     `json:"ready"`
}

func (h *Handler) summarize(e *metadata.Entity) entitySummary {
	sum := entitySummary{Name: e.Name, Table: e.Table, Admin: h.site.Admin(e.Name) != nil, Dynamic: []dynamicField{}}
	for _, df := range h.site.schema.Fields(e.Name) {
		d := dynamicField{Name: df.Name(), Target: df.Field.Target, Ready: df.Ready(), Relationships: df.Relationships()}
		if df.HasCallback() {
			d.Callback = df.Callback().Name
		}
		sum.Dynamic = append(sum.Dynamic, d)
	}
	return sum
}

func (h *Handler) ListEntities(c *fiber.Ctx) error {
	entities := h.site.schema.Registry().AllEntities()
	data := make([]entitySummary, 0, len(entities))
	for _, e := range entities {
		data = append(data, h.summarize(e))
	}
	return c.JSON(fiber.Map{"data": data, "pending": h.site.schema.Registry().Pending()})
}

func (h *Handler) GetEntity(c *fiber.Ctx) error {
	name := c.Params("name")
	e := h.site.schema.Registry().GetEntity(name)
	if e == nil {
		return UnknownEntityError(name)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"definition": e, "summary": h.summarize(e)}})
}

// CreateEntity registers a new entity at runtime, compiles its dynamic
// fields (possibly releasing fields that waited for it), stores the
// definition and creates its table.
func (h *Handler) CreateEntity(c *fiber.Ctx) error {
	var e metadata.Entity
	if err := json.Unmarshal(c.Body(), &e); err != nil {
		return BadRequestError("Invalid JSON body: " + err.Error())
	}
	if e.Name == "" {
		return ValidationError([]ErrorDetail{{Field: "name", Rule: "required", Message: "name is required"}})
	}
	if h.site.schema.Registry().GetEntity(e.Name) != nil {
		return NewAppError("CONFLICT", fiber.StatusConflict, fmt.Sprintf("Entity %s already exists", e.Name))
	}

	if err := h.site.schema.Register(&e); err != nil {
		var defErr *choices.DefinitionError
		if errors.As(err, &defErr) {
			return ValidationError([]ErrorDetail{{Field: defErr.Field, Rule: "definition", Message: defErr.Error()}})
		}
		return err
	}

	ctx := c.UserContext()
	err := h.site.store.WithTx(ctx, func(tx *sql.Tx) error {
		return h.site.store.SaveEntity(ctx, tx, &e)
	})
	if err != nil {
		return err
	}
	if h.migrator != nil {
		if err := h.migrator.Migrate(ctx, &e); err != nil {
			log.Printf("ERROR: migrate %s: %v", e.Name, err)
			return fmt.Errorf("migrate %s: %w", e.Name, err)
		}
		for i := range e.Fields {
			f := &e.Fields[i]
			if f.IsToMany() && f.Through.Entity == "" && h.site.schema.Registry().Target(f) != nil {
				if err := h.migrator.MigrateJoinTable(ctx, &e, f); err != nil {
					return fmt.Errorf("migrate %s: %w", e.Name, err)
				}
			}
		}
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"data":    h.summarize(&e),
		"pending": h.site.schema.Registry().Pending(),
	})
}
