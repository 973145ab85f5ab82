package puppets

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynchoices/internal/admin"
	"dynchoices/internal/config"
	"dynchoices/internal/store"
)

type testApp struct {
	app  *fiber.App
	site *admin.Site
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Bootstrap(ctx, config.AuthConfig{}))

	site, err := Setup(ctx, s, config.Default().Admin)
	require.NoError(t, err)
	require.NoError(t, Seed(ctx, site))

	app := fiber.New(fiber.Config{ErrorHandler: admin.ErrorHandler})
	admin.RegisterAdminRoutes(app, admin.NewHandler(site, store.NewMigrator(s, site.Schema().Registry())))
	return &testApp{app: app, site: site}
}

func (a *testApp) do(t *testing.T, method, path string, form url.Values) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if method == http.MethodGet {
		if form != nil {
			path += "?" + form.Encode()
		}
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	return resp.StatusCode, body
}

func (a *testApp) choices(t *testing.T, extra url.Values) map[string]any {
	t.Helper()
	q := url.Values{"enemy_set-TOTAL_FORMS": {"0"}, "enemy_set-INITIAL_FORMS": {"0"}}
	for k, v := range extra {
		q[k] = v
	}
	status, body := a.do(t, http.MethodGet, "/admin/puppet/1/choices", q)
	require.Equal(t, http.StatusOK, status, body)
	return body
}

func jsonOf(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

// field finds a field of a described form by submitted name.
func field(t *testing.T, form any, name string) map[string]any {
	t.Helper()
	for _, f := range form.(map[string]any)["fields"].([]any) {
		fm := f.(map[string]any)
		if fm["name"] == name {
			return fm
		}
	}
	t.Fatalf("field %s not found", name)
	return nil
}

// choicesOf renders a field's choices; an empty list is omitted from the
// description.
func choicesOf(t *testing.T, form any, name string) string {
	t.Helper()
	c := field(t, form, name)["choices"]
	if c == nil {
		return "[]"
	}
	return jsonOf(t, c)
}

func inlineForms(body map[string]any) []any {
	inline := body["data"].(map[string]any)["inlines"].([]any)[0].(map[string]any)
	return inline["forms"].([]any)
}

func TestGETAddWithoutAlignment(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodGet, "/admin/puppet/add", nil)
	require.Equal(t, http.StatusOK, status)

	form := body["data"].(map[string]any)["form"]
	assert.JSONEq(t, `[]`, choicesOf(t, form, "master"))
	assert.JSONEq(t, `[]`, choicesOf(t, form, "friends"))

	forms := inlineForms(body)
	require.Len(t, forms, 3)
	for _, f := range forms {
		prefix := f.(map[string]any)["prefix"].(string)
		assert.JSONEq(t, `[["","---------"]]`, choicesOf(t, f, prefix+"-enemy"))
		assert.JSONEq(t, `[["","---------"]]`, choicesOf(t, f, prefix+"-because_of"))
	}
}

func TestGETAddWithAlignment(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodGet, "/admin/puppet/add", url.Values{"alignment": {"1"}})
	require.Equal(t, http.StatusOK, status)

	form := body["data"].(map[string]any)["form"]
	assert.JSONEq(t, `[[1,"Good master (1)"]]`, choicesOf(t, form, "master"))
	assert.JSONEq(t, `[["Good",[[1,"Good puppet (1)"]]],["Neutral",[]]]`, choicesOf(t, form, "friends"))

	for _, f := range inlineForms(body) {
		prefix := f.(map[string]any)["prefix"].(string)
		assert.JSONEq(t, `[["","---------"],["Evil",[[2,"Evil puppet (2)"]]],["Neutral",[]]]`,
			choicesOf(t, f, prefix+"-enemy"))
		assert.JSONEq(t, `[["","---------"]]`, choicesOf(t, f, prefix+"-because_of"))
	}

	bindings := body["data"].(map[string]any)["bindings"]
	assert.JSONEq(t, `{"fields":{"alignment":["enemy_set-*-enemy","friends","master"]},"inlines":{"enemy_set":{"enemy":["because_of"]}}}`,
		jsonOf(t, bindings))
}

func TestPOSTAdd(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodPost, "/admin/puppet/add", url.Values{
		"alignment":               {"1"},
		"master":                  {"1"},
		"friends":                 {"1"},
		"enemy_set-TOTAL_FORMS":   {"3"},
		"enemy_set-INITIAL_FORMS": {"0"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	data := body["data"].(map[string]any)
	assert.EqualValues(t, 3, data["id"])
	assert.EqualValues(t, 1, data["master"])
}

func TestPOSTAddBecauseOf(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodPost, "/admin/puppet/add", url.Values{
		"alignment":               {"1"},
		"master":                  {"1"},
		"friends":                 {"1"},
		"enemy_set-TOTAL_FORMS":   {"3"},
		"enemy_set-INITIAL_FORMS": {"0"},
		"enemy_set-0-enemy":       {"2"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status, body)
	assert.Equal(t, "VALIDATION_FAILED", body["error"].(map[string]any)["code"])

	forms := inlineForms(body)
	assert.JSONEq(t, `[["","---------"],[2,"Evil master (2)"]]`,
		choicesOf(t, forms[0], "enemy_set-0-because_of"))
	assert.JSONEq(t, `[["","---------"]]`,
		choicesOf(t, forms[1], "enemy_set-1-because_of"))
	assert.JSONEq(t, `["This field is required."]`, jsonOf(t, field(t, forms[0], "enemy_set-0-since")["errors"]))
}

func TestPOSTChange(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodPost, "/admin/puppet/2", url.Values{
		"alignment":               {"0"},
		"master":                  {"2"},
		"enemy_set-TOTAL_FORMS":   {"1"},
		"enemy_set-INITIAL_FORMS": {"0"},
		"enemy_set-0-enemy":       {"1"},
		"enemy_set-0-because_of":  {"1"},
		"enemy_set-0-since":       {"2020-02-02"},
	})
	require.Equal(t, http.StatusOK, status, body)

	status, body = a.do(t, http.MethodGet, "/admin/puppet/2", nil)
	require.Equal(t, http.StatusOK, status)
	forms := inlineForms(body)
	assert.EqualValues(t, 1, field(t, forms[0], "enemy_set-0-enemy")["value"])
}

func TestChoicesFKAsEmptyString(t *testing.T) {
	a := newTestApp(t)
	data := a.choices(t, url.Values{"alignment": {""}})
	assert.JSONEq(t, `[]`, jsonOf(t, data["master"].(map[string]any)["value"]))
}

func TestChoicesEmptyStringOverridesStoredValue(t *testing.T) {
	a := newTestApp(t)
	data := a.choices(t, url.Values{
		"DYNAMIC_CHOICES_FIELDS":  {"enemy_set-0-because_of"},
		"enemy_set-0-id":          {"1"},
		"enemy_set-0-enemy":       {""},
		"enemy_set-TOTAL_FORMS":   {"3"},
		"enemy_set-INITIAL_FORMS": {"1"},
	})
	assert.Len(t, data, 1)
	assert.JSONEq(t, `[["","---------"]]`, jsonOf(t, data["enemy_set-0-because_of"].(map[string]any)["value"]))

	// without the explicit blank, the stored enemy decides
	data = a.choices(t, url.Values{
		"DYNAMIC_CHOICES_FIELDS":  {"enemy_set-0-because_of"},
		"enemy_set-0-id":          {"1"},
		"enemy_set-TOTAL_FORMS":   {"1"},
		"enemy_set-INITIAL_FORMS": {"1"},
	})
	assert.JSONEq(t, `[["","---------"],[2,"Evil master (2)"]]`, jsonOf(t, data["enemy_set-0-because_of"].(map[string]any)["value"]))
}

func TestChoicesEmptyForm(t *testing.T) {
	a := newTestApp(t)
	data := a.choices(t, url.Values{
		"DYNAMIC_CHOICES_FIELDS": {"enemy_set-__prefix__-enemy"},
		"alignment":              {"1"},
	})
	assert.JSONEq(t, `{"enemy_set-__prefix__-enemy":{"widget":"default","value":[["","---------"],["Evil",[[2,"Evil puppet (2)"]]],["Neutral",[]]]}}`,
		jsonOf(t, data))
}

func TestChoicesOnAdd(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodGet, "/admin/puppet/add/choices", url.Values{
		"alignment":               {"0"},
		"DYNAMIC_CHOICES_FIELDS":  {"master,friends"},
		"enemy_set-TOTAL_FORMS":   {"0"},
		"enemy_set-INITIAL_FORMS": {"0"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{
		"master": {"widget": "default", "value": [[2, "Evil master (2)"]]},
		"friends": {"widget": "default", "value": [["Evil", [[2, "Evil puppet (2)"]]], ["Neutral", []]]}
	}`, jsonOf(t, body))
}

func TestChoicesErrors(t *testing.T) {
	a := newTestApp(t)

	status, body := a.do(t, http.MethodGet, "/admin/puppet/1/choices", url.Values{"alignment": {"1"}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Missing enemy_set ManagementForm data", body["error"].(map[string]any)["message"])

	status, _ = a.do(t, http.MethodGet, "/admin/puppet/42/choices", url.Values{
		"enemy_set-TOTAL_FORMS": {"0"}, "enemy_set-INITIAL_FORMS": {"0"},
	})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = a.do(t, http.MethodGet, "/admin/wizard/add/choices", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN_ENTITY", body["error"].(map[string]any)["code"])
}

func TestMasterAdminHasNoInlines(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodGet, "/admin/master/1", nil)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.JSONEq(t, `[]`, jsonOf(t, data["inlines"]))
	assert.JSONEq(t, `[[0,"Evil"],[1,"Good"],[2,"Neutral"]]`, choicesOf(t, data["form"], "alignment"))
}

func (a *testApp) postJSON(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestCreateEntityReleasesDeferredField(t *testing.T) {
	a := newTestApp(t)
	status, body := a.do(t, http.MethodGet, "/api/_admin/entities", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 3)

	costume := `{
		"name": "costume",
		"fields": [
			{"name": "colour", "type": "string"},
			{"name": "hat", "kind": "to_one", "target": "hat", "nullable": true,
			 "choices": {"filter": {"params": ["colour"], "where": [{"field": "size", "value": "colour == 'red' ? 'L' : 'S'"}]}}}
		]
	}`
	status, body = a.postJSON(t, "/api/_admin/entities", costume)
	require.Equal(t, http.StatusCreated, status, body)
	assert.JSONEq(t, `["hat"]`, jsonOf(t, body["pending"]))
	assert.JSONEq(t, `[{"name":"hat","target":"hat","callback":"costume.hat","relationships":[],"ready":false}]`,
		jsonOf(t, body["data"].(map[string]any)["dynamic_fields"]))

	status, body = a.postJSON(t, "/api/_admin/entities", `{"name": "hat", "fields": [{"name": "size", "type": "string"}]}`)
	require.Equal(t, http.StatusCreated, status, body)
	assert.JSONEq(t, `[]`, jsonOf(t, body["pending"]))

	status, body = a.do(t, http.MethodGet, "/api/_admin/entities/costume", nil)
	require.Equal(t, http.StatusOK, status)
	summary := body["data"].(map[string]any)["summary"].(map[string]any)
	assert.JSONEq(t, `[{"name":"hat","target":"hat","callback":"costume.hat","relationships":["colour"],"ready":true}]`,
		jsonOf(t, summary["dynamic_fields"]))

	status, _ = a.postJSON(t, "/api/_admin/entities", costume)
	assert.Equal(t, http.StatusConflict, status)
}
