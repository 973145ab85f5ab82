package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"dynchoices/internal/admin"
	"dynchoices/internal/config"
	"dynchoices/internal/store"
)

// AuthHandler serves login, token refresh and logout against the _users
// and _refresh_tokens tables.
type AuthHandler struct {
	store  *store.Store
	signer *Signer
}

func NewAuthHandler(s *store.Store, cfg config.AuthConfig) *AuthHandler {
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	return &AuthHandler{store: s, signer: NewSigner(cfg.JWTSecret, ttl)}
}

func RegisterAuthRoutes(app *fiber.App, h *AuthHandler) {
	g := app.Group("/api/auth")
	g.Post("/login", h.Login)
	g.Post("/refresh", h.Refresh)
	g.Post("/logout", h.Logout)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func bind[T any](c *fiber.Ctx) (*T, error) {
	body := new(T)
	if err := c.BodyParser(body); err != nil {
		return nil, admin.BadRequestError("Invalid request body")
	}
	return body, nil
}

// refreshToken reads the refresh_token body shared by refresh and logout.
func refreshToken(c *fiber.Ctx) (string, error) {
	body, err := bind[refreshRequest](c)
	if err != nil {
		return "", err
	}
	if body.RefreshToken == "" {
		return "", admin.UnauthorizedError("Refresh token is required")
	}
	return body.RefreshToken, nil
}

// Login exchanges email and password for a TokenPair.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	creds, err := bind[credentials](c)
	if err != nil {
		return err
	}
	if creds.Email == "" || creds.Password == "" {
		return admin.UnauthorizedError("Email and password are required")
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	user, err := store.QueryRow(ctx, h.store.DB,
		"SELECT id, password_hash, roles, active FROM _users WHERE email = "+pb.Add(creds.Email), pb.Params()...)
	if err != nil {
		return admin.UnauthorizedError("Invalid email or password")
	}
	if !h.active(user["active"]) {
		return admin.UnauthorizedError("Account is disabled")
	}
	hash, _ := user["password_hash"].(string)
	if !CheckPassword(creds.Password, hash) {
		return admin.UnauthorizedError("Invalid email or password")
	}
	return h.respond(c, fmt.Sprint(user["id"]), user["roles"])
}

// Refresh rotates a refresh token: the presented one is always deleted.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	token, err := refreshToken(c)
	if err != nil {
		return err
	}

	ctx := c.UserContext()
	pb := h.store.Dialect.NewParamBuilder()
	row, err := store.QueryRow(ctx, h.store.DB,
		`SELECT t.id, t.user_id, t.expires_at, u.roles, u.active
		   FROM _refresh_tokens t JOIN _users u ON u.id = t.user_id
		  WHERE t.token = `+pb.Add(token), pb.Params()...)
	if err != nil {
		return admin.UnauthorizedError("Invalid refresh token")
	}
	h.revoke(ctx, "id", row["id"])

	expiresAt, ok := h.store.Dialect.DecodeValue("timestamp", row["expires_at"]).(time.Time)
	if !ok || time.Now().After(expiresAt) {
		return admin.UnauthorizedError("Refresh token expired")
	}
	if !h.active(row["active"]) {
		return admin.UnauthorizedError("Account is disabled")
	}
	return h.respond(c, fmt.Sprint(row["user_id"]), row["roles"])
}

func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	token, err := refreshToken(c)
	if err != nil {
		return err
	}
	h.revoke(c.UserContext(), "token", token)
	return c.JSON(fiber.Map{"message": "Logged out"})
}

func (h *AuthHandler) respond(c *fiber.Ctx, userID string, roles any) error {
	pair, err := h.issue(c.UserContext(), userID, h.roles(roles))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": pair})
}

func (h *AuthHandler) revoke(ctx context.Context, column string, value any) {
	pb := h.store.Dialect.NewParamBuilder()
	_, _ = store.Exec(ctx, h.store.DB, "DELETE FROM _refresh_tokens WHERE "+column+" = "+pb.Add(value), pb.Params()...)
}

// issue signs an access token and stores a fresh refresh token.
func (h *AuthHandler) issue(ctx context.Context, userID string, roles []string) (*TokenPair, error) {
	access, err := h.signer.Issue(userID, roles)
	if err != nil {
		return nil, err
	}
	refresh := NewRefreshToken()
	d := h.store.Dialect

	pb := d.NewParamBuilder()
	cols := "user_id, token, expires_at"
	vals := pb.Add(userID) + ", " + pb.Add(refresh) + ", " + pb.Add(d.EncodeValue("timestamp", time.Now().Add(RefreshTokenTTL)))
	if d.UUIDDefault() == "" {
		cols += ", id"
		vals += ", " + pb.Add(uuid.NewString())
	}
	if _, err := store.Exec(ctx, h.store.DB, "INSERT INTO _refresh_tokens ("+cols+") VALUES ("+vals+")", pb.Params()...); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (h *AuthHandler) roles(v any) []string {
	roles, err := h.store.Dialect.ScanArray(v)
	if err != nil {
		return nil
	}
	return roles
}

func (h *AuthHandler) active(v any) bool {
	b, _ := h.store.Dialect.DecodeValue("boolean", v).(bool)
	return b
}
