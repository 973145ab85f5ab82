package instrument

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"dynchoices/internal/config"
)

const traceHeader = "X-Trace-ID"

// Middleware wraps each request in an "http.handler.request" span. The
// incoming X-Trace-ID is reused when present and always echoed back.
func Middleware(cfg config.InstrumentationConfig, inst Instrumenter) fiber.Handler {
	if !cfg.Enabled {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	return func(c *fiber.Ctx) error {
		traceID := c.Get(traceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(traceHeader, traceID)

		ctx, span := inst.StartSpan(WithInstrumenter(WithTraceID(c.UserContext(), traceID), inst), "http", "handler", "request")
		defer span.End()
		span.SetMetadata("method", c.Method())
		span.SetMetadata("path", c.Path())
		c.SetUserContext(ctx)

		err := c.Next()

		if userID, _ := c.Locals("user_id").(string); userID != "" {
			span.SetMetadata("user_id", userID)
		}
		status := c.Response().StatusCode()
		span.SetMetadata("status_code", status)
		if err != nil || status >= fiber.StatusBadRequest {
			span.SetStatus("error")
		} else {
			span.SetStatus("ok")
		}
		return err
	}
}
