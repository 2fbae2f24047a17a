package api_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heksher-io/heksher/internal/api"
)

// setupQueryScenario builds the canonical priority scenario: features
// [account, user, theme], setting cache_size: int default 5, five rules.
func setupQueryScenario(t *testing.T) *api.API {
	t.Helper()
	app, _ := setupRulesApp(t)
	addRule(t, app, "cache_size", map[string]string{"account": "john"}, 100)
	addRule(t, app, "cache_size", map[string]string{"account": "jim"}, 50)
	addRule(t, app, "cache_size", map[string]string{"account": "jim", "user": "admin"}, 200)
	addRule(t, app, "cache_size", map[string]string{"user": "guest"}, 10)
	addRule(t, app, "cache_size", map[string]string{"user": "guest", "theme": "dark"}, 20)
	return app
}

func queryRules(t *testing.T, app *api.API, url string) api.QueryResponse {
	t.Helper()
	rec := doJSON(t, app.Router, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	return decodeBody[api.QueryResponse](t, rec)
}

func TestQueryBasicPriority(t *testing.T) {
	app := setupQueryScenario(t)

	resp := queryRules(t, app, "/api/v1/query?settings=cache_size&context_filters=*")
	setting, ok := resp.Settings["cache_size"]
	require.True(t, ok)

	assert.JSONEq(t, "5", string(setting.DefaultValue))
	require.Len(t, setting.Rules, 5)

	// every condition list follows the account, user, theme hierarchy
	for _, rule := range setting.Rules {
		lastIndex := -1
		for _, pair := range rule.FeatureValues {
			index := map[string]int{"account": 0, "user": 1, "theme": 2}[pair[0]]
			assert.Greater(t, index, lastIndex)
			lastIndex = index
		}
	}
}

func TestQueryFilterRejectsOutOfScope(t *testing.T) {
	app := setupQueryScenario(t)

	resp := queryRules(t, app,
		"/api/v1/query?settings=cache_size&context_filters=account:(john,jim),user:*")
	setting := resp.Settings["cache_size"]

	// the guest+dark rule conditions on theme, which the filter does not
	// mention, so it must be omitted
	require.Len(t, setting.Rules, 4)
	for _, rule := range setting.Rules {
		for _, pair := range rule.FeatureValues {
			assert.NotEqual(t, "theme", pair[0])
		}
	}
}

func TestQueryParameterHandling(t *testing.T) {
	app := setupQueryScenario(t)

	t.Run("Should return all settings when the parameter is absent", func(t *testing.T) {
		resp := queryRules(t, app, "/api/v1/query")
		_, ok := resp.Settings["cache_size"]
		assert.True(t, ok)
	})

	t.Run("Should silently accept unknown features in the filter", func(t *testing.T) {
		resp := queryRules(t, app,
			"/api/v1/query?settings=cache_size&context_filters=account:(john),galaxy:(far)")
		// galaxy constrains nothing; only the account filter applies
		require.Len(t, resp.Settings["cache_size"].Rules, 1)
	})

	t.Run("Should 404 on unknown settings", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodGet, "/api/v1/query?settings=ghost", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Should 422 on malformed filters", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodGet,
			"/api/v1/query?settings=cache_size&context_filters=account:", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Should include metadata only on request", func(t *testing.T) {
		ruleID := addRule(t, app, "cache_size", map[string]string{"theme": "light"}, 1)
		rec := doJSON(t, app.Router, http.MethodPost,
			"/api/v1/rules/"+itoa(ruleID)+"/metadata",
			map[string]any{"metadata": map[string]any{"source": "test"}})
		require.Equal(t, http.StatusNoContent, rec.Code)

		with := queryRules(t, app,
			"/api/v1/query?settings=cache_size&context_filters=*&include_metadata=true")
		without := queryRules(t, app, "/api/v1/query?settings=cache_size&context_filters=*")

		var found bool
		for _, rule := range with.Settings["cache_size"].Rules {
			if rule.RuleID == ruleID {
				found = true
				assert.JSONEq(t, `"test"`, string(rule.Metadata["source"]))
			}
		}
		assert.True(t, found)
		for _, rule := range without.Settings["cache_size"].Rules {
			assert.Empty(t, rule.Metadata)
		}
	})
}

func TestQueryETag(t *testing.T) {
	app := setupQueryScenario(t)
	url := "/api/v1/query?settings=cache_size&context_filters=*"

	first := doJSON(t, app.Router, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, first.Code)
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)

	t.Run("Should answer 304 when the client holds the current tag", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("If-None-Match", etag)
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("Should rotate the tag after a write", func(t *testing.T) {
		addRule(t, app, "cache_size", map[string]string{"account": "jack"}, 7)

		req := httptest.NewRequest(http.MethodGet, url, nil)
		req.Header.Set("If-None-Match", etag)
		rec := httptest.NewRecorder()
		app.Router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEqual(t, etag, rec.Header().Get("ETag"))
	})
}

func TestQueryLegacyEndpoint(t *testing.T) {
	app := setupQueryScenario(t)

	t.Run("Should serve the body-based form with a deprecation header", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules/query", map[string]any{
			"setting_names": []string{"cache_size"},
			"context_features_options": map[string]any{
				"account": []string{"john", "jim"},
				"user":    "*",
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
		assert.Equal(t, "true", rec.Header().Get("Deprecation"))

		body := decodeBody[api.LegacyQueryResponse](t, rec)
		assert.Len(t, body.Rules["cache_size"], 4)
	})

	t.Run("Should accept the global wildcard", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules/query", map[string]any{
			"setting_names":            []string{"cache_size"},
			"context_features_options": "*",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody[api.LegacyQueryResponse](t, rec).Rules["cache_size"], 5)
	})

	t.Run("Should reject a future cache_time", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules/query", map[string]any{
			"setting_names":            []string{"cache_size"},
			"context_features_options": "*",
			"cache_time":               "2999-01-01T00:00:00Z",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("Should reject empty option lists", func(t *testing.T) {
		rec := doJSON(t, app.Router, http.MethodPost, "/api/v1/rules/query", map[string]any{
			"setting_names":            []string{"cache_size"},
			"context_features_options": map[string]any{"account": []string{}},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
