package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynchoices/internal/admin"
	"dynchoices/internal/config"
	"dynchoices/internal/store"
)

func setupApp(t *testing.T) (*fiber.App, config.AuthConfig) {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	cfg := config.AuthConfig{JWTSecret: "test-secret", AdminEmail: "admin@example.com", AdminPassword: "pw", TokenTTLMinutes: 5}
	require.NoError(t, s.Bootstrap(ctx, cfg))

	app := fiber.New(fiber.Config{ErrorHandler: admin.ErrorHandler})
	RegisterAuthRoutes(app, NewAuthHandler(s, cfg))
	protected := app.Group("/private", AuthMiddleware(cfg.JWTSecret), RequireAdmin())
	protected.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": GetUser(c).ID, "user_id": c.Locals("user_id")})
	})
	return app, cfg
}

func postJSON(t *testing.T, app *fiber.App, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp.StatusCode, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func login(t *testing.T, app *fiber.App) (string, string) {
	t.Helper()
	status, body := postJSON(t, app, "/api/auth/login", `{"email":"admin@example.com","password":"pw"}`)
	require.Equal(t, 200, status, body)
	data := body["data"].(map[string]any)
	return data["access_token"].(string), data["refresh_token"].(string)
}

func TestLogin(t *testing.T) {
	app, _ := setupApp(t)
	access, refresh := login(t, app)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	status, body := postJSON(t, app, "/api/auth/login", `{"email":"admin@example.com","password":"wrong"}`)
	assert.Equal(t, 401, status)
	assert.Equal(t, "UNAUTHORIZED", body["error"].(map[string]any)["code"])

	status, _ = postJSON(t, app, "/api/auth/login", `{"email":"","password":""}`)
	assert.Equal(t, 401, status)
}

func TestRefreshRotatesToken(t *testing.T) {
	app, _ := setupApp(t)
	_, refresh := login(t, app)

	status, body := postJSON(t, app, "/api/auth/refresh", `{"refresh_token":"`+refresh+`"}`)
	require.Equal(t, 200, status, body)
	next := body["data"].(map[string]any)["refresh_token"].(string)
	assert.NotEqual(t, refresh, next)

	status, _ = postJSON(t, app, "/api/auth/refresh", `{"refresh_token":"`+refresh+`"}`)
	assert.Equal(t, 401, status)

	status, _ = postJSON(t, app, "/api/auth/logout", `{"refresh_token":"`+next+`"}`)
	assert.Equal(t, 200, status)
	status, _ = postJSON(t, app, "/api/auth/refresh", `{"refresh_token":"`+next+`"}`)
	assert.Equal(t, 401, status)
}

func TestMiddleware(t *testing.T) {
	app, cfg := setupApp(t)
	access, _ := login(t, app)

	req := httptest.NewRequest(http.MethodGet, "/private/me", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/private/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, body["id"], body["user_id"])

	editor, err := NewSigner(cfg.JWTSecret, 0).Issue("someone", []string{"editor"})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/private/me", nil)
	req.Header.Set("Authorization", "Bearer "+editor)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 403, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/private/me", nil)
	req.Header.Set("Authorization", "Token "+access)
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 401, resp.StatusCode)
}
