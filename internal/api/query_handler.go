package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/observability"
	"github.com/heksher-io/heksher/internal/queryengine"
)

// QueryRule is one candidate rule in a query response. Feature values are
// ordered by the feature hierarchy so clients can rank matches locally.
type QueryRule struct {
	RuleID        int64                       `json:"rule_id"`
	Value         json.RawMessage             `json:"value"`
	FeatureValues []queryengine.ConditionPair `json:"feature_values"`
	Metadata      map[string]json.RawMessage  `json:"metadata,omitempty"`
}

// QuerySetting groups a setting's candidate rules with its default.
type QuerySetting struct {
	Rules        []QueryRule     `json:"rules"`
	DefaultValue json.RawMessage `json:"default_value"`
}

// QueryResponse is the body of GET /api/v1/query.
type QueryResponse struct {
	Settings map[string]QuerySetting `json:"settings"`
}

// handleQuery serves GET /api/v1/query. Responses are cached under the
// normalized query string and invalidated on every write; an ETag lets
// clients skip unchanged bodies entirely.
func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	rawSettings := params.Get("settings")
	rawFilters := params.Get("context_filters")
	if rawFilters == "" && !params.Has("context_filters") {
		rawFilters = "*"
	}
	includeMetadata := params.Get("include_metadata") == "true"

	cacheKey := queryCacheKey(rawSettings, rawFilters, includeMetadata)
	if body, ok := a.cache.Get(r.Context(), cacheKey); ok {
		observability.QueryCacheHits.Inc()
		writeWithETag(w, r, body)
		return
	}
	observability.QueryCacheMisses.Inc()

	filter, err := queryengine.ParseContextFilter(rawFilters)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}

	settingNames, errResp := a.resolveQuerySettings(r, rawSettings)
	if errResp != nil {
		status := http.StatusNotFound
		if errResp.Code == "ERR_INTERNAL" {
			status = http.StatusInternalServerError
		}
		render.Status(r, status)
		render.JSON(w, r, errResp)
		return
	}

	body, err := a.buildQueryResponse(r, settingNames, filter, includeMetadata)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	a.cache.Set(r.Context(), cacheKey, body)
	writeWithETag(w, r, body)
}

// resolveQuerySettings expands the settings parameter: absent means all
// settings, otherwise every name must resolve (aliases included).
func (a *API) resolveQuerySettings(r *http.Request, rawSettings string) ([]string, *ErrorResponse) {
	if rawSettings == "" {
		all, err := a.repo.ListSettings(r.Context(), false)
		if err != nil {
			return nil, &ErrorResponse{Code: "ERR_INTERNAL", Message: "failed to list settings"}
		}
		names := make([]string, len(all))
		for i, s := range all {
			names[i] = s.Name
		}
		return names, nil
	}

	var names []string
	seen := make(map[string]struct{})
	for _, name := range strings.Split(rawSettings, ",") {
		canonical, err := a.repo.GetCanonicalName(r.Context(), name)
		if err != nil {
			return nil, &ErrorResponse{Code: "ERR_NOT_FOUND",
				Message: fmt.Sprintf("%q is not a setting name", name)}
		}
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		names = append(names, canonical)
	}
	return names, nil
}

// buildQueryResponse assembles and serializes the filtered rule sets.
func (a *API) buildQueryResponse(r *http.Request, settingNames []string,
	filter queryengine.ContextFilter, includeMetadata bool) ([]byte, error) {
	ctx := r.Context()

	order, err := a.featureOrder(r)
	if err != nil {
		return nil, err
	}
	// unknown features constrain nothing: no rule can reference them
	for _, name := range filter.FeatureNames() {
		if _, known := order[name]; !known {
			logger.FromContext(ctx).Info("unknown context feature in query filter",
				slog.String("context_feature", name))
			filter.DropFeature(name)
		}
	}

	grouped, defaults, err := a.repo.QueryRules(ctx, settingNames, includeMetadata)
	if err != nil {
		return nil, err
	}

	response := QueryResponse{Settings: make(map[string]QuerySetting, len(settingNames))}
	for _, name := range settingNames {
		rules := grouped[name]
		out := make([]QueryRule, 0, len(rules))
		for _, rule := range rules {
			if !filter.Matches(rule.FeatureValues) {
				continue
			}
			out = append(out, QueryRule{
				RuleID:        rule.ID,
				Value:         rule.Value,
				FeatureValues: queryengine.OrderConditions(rule.FeatureValues, order),
				Metadata:      rule.Metadata,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
		response.Settings[name] = QuerySetting{Rules: out, DefaultValue: defaults[name]}
	}
	return json.Marshal(response)
}

// queryCacheKey normalizes the parameters that shape a response body.
func queryCacheKey(rawSettings, rawFilters string, includeMetadata bool) string {
	return fmt.Sprintf("settings=%s&context_filters=%s&include_metadata=%t",
		rawSettings, rawFilters, includeMetadata)
}

// --- deprecated body-based query ---

// LegacyQueryRequest is the body of the deprecated POST /rules/query.
// cache_time is validated for compatibility but no longer filters
// unchanged settings; the ETag mechanism replaced it.
type LegacyQueryRequest struct {
	SettingNames           []string        `json:"setting_names"`
	ContextFeaturesOptions json.RawMessage `json:"context_features_options"`
	CacheTime              *time.Time      `json:"cache_time,omitempty"`
	IncludeMetadata        bool            `json:"include_metadata"`
}

// LegacyQueryResponse mirrors the historical body-based response shape.
type LegacyQueryResponse struct {
	Rules map[string][]QueryRule `json:"rules"`
}

func (a *API) handleQueryRulesLegacy(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")

	var req LegacyQueryRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if req.CacheTime != nil && req.CacheTime.After(time.Now()) {
		writeValidationError(w, r, "got cache time in the future")
		return
	}
	filter, errResp := parseLegacyFilter(req.ContextFeaturesOptions)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	var names []string
	for _, name := range req.SettingNames {
		canonical, err := a.repo.GetCanonicalName(r.Context(), name)
		if err != nil {
			writeNotFound(w, r, fmt.Sprintf("%q is not a setting name", name))
			return
		}
		names = append(names, canonical)
	}

	order, err := a.featureOrder(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	for _, name := range filter.FeatureNames() {
		if _, known := order[name]; !known {
			writeNotFound(w, r, fmt.Sprintf("%q is not a context feature", name))
			return
		}
	}

	grouped, _, err := a.repo.QueryRules(r.Context(), names, req.IncludeMetadata)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	response := LegacyQueryResponse{Rules: make(map[string][]QueryRule, len(names))}
	for _, name := range names {
		out := make([]QueryRule, 0, len(grouped[name]))
		for _, rule := range grouped[name] {
			if !filter.Matches(rule.FeatureValues) {
				continue
			}
			out = append(out, QueryRule{
				RuleID:        rule.ID,
				Value:         rule.Value,
				FeatureValues: queryengine.OrderConditions(rule.FeatureValues, order),
				Metadata:      rule.Metadata,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
		response.Rules[name] = out
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response)
}

// parseLegacyFilter decodes the body-based filter form: "*", or a map of
// feature to "*" or a value list.
func parseLegacyFilter(raw json.RawMessage) (queryengine.ContextFilter, *ErrorResponse) {
	if len(raw) == 0 {
		return queryengine.MatchAll(), nil
	}
	var wildcard string
	if err := json.Unmarshal(raw, &wildcard); err == nil {
		if wildcard == "*" {
			return queryengine.MatchAll(), nil
		}
		return queryengine.ContextFilter{}, &ErrorResponse{Code: "ERR_VALIDATION",
			Message: fmt.Sprintf("invalid context_features_options %q", wildcard)}
	}

	var perFeature map[string]json.RawMessage
	if err := json.Unmarshal(raw, &perFeature); err != nil {
		return queryengine.ContextFilter{}, &ErrorResponse{Code: "ERR_VALIDATION",
			Message: "context_features_options must be '*' or an object"}
	}
	options := make(map[string][]string, len(perFeature))
	for feature, rawValues := range perFeature {
		var valueWildcard string
		if err := json.Unmarshal(rawValues, &valueWildcard); err == nil {
			if valueWildcard != "*" {
				return queryengine.ContextFilter{}, &ErrorResponse{Code: "ERR_VALIDATION",
					Message: fmt.Sprintf("invalid option %q for context feature %q", valueWildcard, feature)}
			}
			options[feature] = nil
			continue
		}
		var values []string
		if err := json.Unmarshal(rawValues, &values); err != nil || len(values) == 0 {
			return queryengine.ContextFilter{}, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("cannot accept an empty option for context feature %q", feature)}
		}
		options[feature] = values
	}
	return queryengine.NewContextFilter(options), nil
}
