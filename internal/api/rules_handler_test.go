package api_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heksher-io/heksher/internal/api"
)

func setupRulesApp(t *testing.T) (*api.API, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo("account", "user", "theme")
	app := newTestAPI(t, repo)
	declare(t, app, declareBody("cache_size", "int", 5,
		[]string{"account", "user", "theme"}, nil), http.StatusOK)
	return app, repo
}

func addRule(t *testing.T, app *api.API, setting string, fv map[string]string, value any) int64 {
	t.Helper()
	rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
		"setting":        setting,
		"feature_values": fv,
		"value":          value,
	})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return int64(decodeBody[map[string]float64](t, rec)["rule_id"])
}

func TestAddRule(t *testing.T) {
	t.Run("Should create a rule and return its id", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)
		assert.Positive(t, id)
	})

	t.Run("Should 409 on duplicate conditions", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
			"setting":        "cache_size",
			"feature_values": map[string]string{"account": "john"},
			"value":          50,
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Should 404 on unknown setting", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
			"setting":        "ghost",
			"feature_values": map[string]string{"account": "john"},
			"value":          1,
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should reject empty feature values", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
			"setting":        "cache_size",
			"feature_values": map[string]string{},
			"value":          1,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Should reject a non-configurable feature", func(t *testing.T) {
		repo := newFakeRepo("account", "user")
		app := newTestAPI(t, repo)
		declare(t, app, declareBody("narrow", "int", 0, []string{"account"}, nil), http.StatusOK)

		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
			"setting":        "narrow",
			"feature_values": map[string]string{"user": "admin"},
			"value":          1,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Should reject a value that does not conform", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules", map[string]any{
			"setting":        "cache_size",
			"feature_values": map[string]string{"account": "john"},
			"value":          "a string",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestGetDeleteRule(t *testing.T) {
	t.Run("Should round-trip a created rule", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"user": "guest", "account": "jim"}, 42)

		rec := doJSON(t, app.Router, http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", id), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rule := decodeBody[api.GetRuleResponse](t, rec)
		assert.Equal(t, "cache_size", rule.Setting)
		assert.JSONEq(t, "42", string(rule.Value))
		// conditions in hierarchy order: account before user
		require.Len(t, rule.FeatureValues, 2)
		assert.Equal(t, [2]string{"account", "jim"}, [2]string(rule.FeatureValues[0]))
		assert.Equal(t, [2]string{"user", "guest"}, [2]string(rule.FeatureValues[1]))
	})

	t.Run("Should 404 after delete", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 1)

		rec := doJSON(t, app.Router, http.MethodDelete, fmt.Sprintf("/api/v1/rules/%d", id), nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", id), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should 404 on malformed id", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		rec := doJSON(t, app.Router, http.MethodGet, "/api/v1/rules/banana", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSearchRule(t *testing.T) {
	app, _ := setupRulesApp(t)
	id := addRule(t, app, "cache_size", map[string]string{"account": "jim", "user": "admin"}, 200)

	t.Run("Should find a rule by its exact conditions", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodGet,
			"/api/v1/rules/search?setting=cache_size&feature_values=account:jim,user:admin", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(id), decodeBody[map[string]float64](t, rec)["rule_id"])
	})

	t.Run("Should not match a subset of conditions", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodGet,
			"/api/v1/rules/search?setting=cache_size&feature_values=account:jim", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should reject malformed feature values", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodGet,
			"/api/v1/rules/search?setting=cache_size&feature_values=account=jim", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestSetRuleValue(t *testing.T) {
	t.Run("Should update the value through PUT", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)

		rec := doJSON(t, app.Router, http.MethodPut, fmt.Sprintf("/api/v1/rules/%d/value", id),
			map[string]any{"value": 250})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, fmt.Sprintf("/api/v1/rules/%d", id), nil)
		assert.JSONEq(t, "250", string(decodeBody[api.GetRuleResponse](t, rec).Value))
	})

	t.Run("Should accept the deprecated PATCH alias", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)

		rec := doJSON(t, app.Router, http.MethodPatch, fmt.Sprintf("/api/v1/rules/%d", id),
			map[string]any{"value": 300})
		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "true", rec.Header().Get("Deprecation"))
	})

	t.Run("Should reject a non-conforming value", func(t *testing.T) {
		app, _ := setupRulesApp(t)
		id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)

		rec := doJSON(t, app.Router, http.MethodPut, fmt.Sprintf("/api/v1/rules/%d/value", id),
			map[string]any{"value": "nope"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestRuleMetadata(t *testing.T) {
	app, _ := setupRulesApp(t)
	id := addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)
	base := fmt.Sprintf("/api/v1/rules/%d/metadata", id)

	t.Run("Should round-trip a replace", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPut, base,
			map[string]any{"metadata": map[string]any{"added_by": "john", "priority": 2}})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, base, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"metadata":{"added_by":"john","priority":2}}`, rec.Body.String())
	})

	t.Run("Should merge keys on POST", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPost, base,
			map[string]any{"metadata": map[string]any{"reviewed": true}})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, base, nil)
		assert.JSONEq(t, `{"metadata":{"added_by":"john","priority":2,"reviewed":true}}`,
			rec.Body.String())
	})

	t.Run("Should set and delete a single key", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPut, base+"/priority", map[string]any{"value": 9})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodDelete, base+"/reviewed", nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, base, nil)
		assert.JSONEq(t, `{"metadata":{"added_by":"john","priority":9}}`, rec.Body.String())
	})

	t.Run("Should clear everything on DELETE", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodDelete, base, nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, app.Router, http.MethodGet, base, nil)
		assert.JSONEq(t, `{"metadata":{}}`, rec.Body.String())
	})

	t.Run("Should reject malformed metadata keys", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPut, base,
			map[string]any{"metadata": map[string]any{"bad key!": 1}})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}
