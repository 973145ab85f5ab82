package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"dynchoices/internal/admin"
	"dynchoices/internal/instrument"
)

// AuthMiddleware validates the bearer token and stores the user in Locals
// ("user", "user_id") and in the request context for instrumentation.
func AuthMiddleware(secret string) fiber.Handler {
	signer := NewSigner(secret, 0)
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return admin.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return admin.UnauthorizedError("Invalid auth header format")
		}

		claims, err := signer.Verify(parts[1])
		if err != nil {
			return admin.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &User{ID: claims.Subject, Roles: claims.Roles})
		c.Locals("user_id", claims.Subject)
		c.SetUserContext(instrument.WithUserID(c.UserContext(), claims.Subject))
		return c.Next()
	}
}

// RequireAdmin rejects users without the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return admin.UnauthorizedError("Missing auth token")
		}
		if !user.IsAdmin() {
			return admin.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// GetUser returns the authenticated user, or nil.
func GetUser(c *fiber.Ctx) *User {
	user, _ := c.Locals("user").(*User)
	return user
}
