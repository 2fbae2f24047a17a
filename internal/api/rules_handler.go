package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/queryengine"
	"github.com/heksher-io/heksher/internal/settingtypes"
	"github.com/heksher-io/heksher/internal/validation"
)

// AddRuleRequest creates a rule binding a value to a setting under
// exact-match conditions.
type AddRuleRequest struct {
	Setting       string            `json:"setting"`
	FeatureValues map[string]string `json:"feature_values"`
	Value         json.RawMessage   `json:"value"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Validate checks the request shape before touching the database.
func (req *AddRuleRequest) Validate() *ErrorResponse {
	if req.Setting == "" {
		return &ErrorResponse{Code: "ERR_VALIDATION", Message: "setting is required"}
	}
	if len(req.FeatureValues) == 0 {
		return &ErrorResponse{Code: "ERR_VALIDATION", Message: "feature_values must not be empty"}
	}
	for feature, value := range req.FeatureValues {
		if !validation.IsValidFeatureName(feature) {
			return &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("invalid context feature name %q", feature)}
		}
		if !validation.IsValidFeatureValue(value) {
			return &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("invalid feature value %q for %q", value, feature)}
		}
	}
	if err := validateMetadataKeys(req.Metadata); err != nil {
		return err
	}
	if len(req.Value) == 0 {
		return &ErrorResponse{Code: "ERR_VALIDATION", Message: "value is required"}
	}
	return nil
}

// AddRuleResponse returns the new rule's id.
type AddRuleResponse struct {
	RuleID int64 `json:"rule_id"`
}

func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req AddRuleRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if errResp := req.Validate(); errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	setting, err := a.repo.GetSetting(r.Context(), req.Setting)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	configurable := make(map[string]struct{}, len(setting.ConfigurableFeatures))
	for _, cf := range setting.ConfigurableFeatures {
		configurable[cf] = struct{}{}
	}
	for feature := range req.FeatureValues {
		if _, ok := configurable[feature]; !ok {
			writeValidationError(w, r,
				fmt.Sprintf("setting %q is not configurable by context feature %q", setting.Name, feature))
			return
		}
	}

	value, errResp := conformValue(setting.RawType, req.Value)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	metadata, errResp := encodeMetadata(req.Metadata)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	ruleID, err := a.repo.CreateRule(r.Context(), setting.Name, value, req.FeatureValues, metadata)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	log.Info("rule created",
		slog.Int64("rule_id", ruleID), slog.String("setting", setting.Name))
	a.invalidateCache(r)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, AddRuleResponse{RuleID: ruleID})
}

// GetRuleResponse describes one rule.
type GetRuleResponse struct {
	Setting       string                      `json:"setting"`
	Value         json.RawMessage             `json:"value"`
	FeatureValues []queryengine.ConditionPair `json:"feature_values"`
	Metadata      map[string]json.RawMessage  `json:"metadata"`
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(w, r)
	if !ok {
		return
	}
	rule, err := a.repo.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	order, err := a.featureOrder(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	metadata := rule.Metadata
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, GetRuleResponse{
		Setting:       rule.Setting,
		Value:         rule.Value,
		FeatureValues: queryengine.OrderConditions(rule.FeatureValues, order),
		Metadata:      metadata,
	})
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(w, r)
	if !ok {
		return
	}
	if err := a.repo.DeleteRule(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// SearchRuleResponse returns the id of the matching rule.
type SearchRuleResponse struct {
	RuleID int64 `json:"rule_id"`
}

// handleSearchRule finds a rule by setting and exact conditions:
// GET /rules/search?setting=foo&feature_values=user:john,theme:dark
func (a *API) handleSearchRule(w http.ResponseWriter, r *http.Request) {
	settingName := r.URL.Query().Get("setting")
	if settingName == "" {
		writeValidationError(w, r, "setting query parameter is required")
		return
	}
	featureValues, errResp := parseFeatureValuesParam(r.URL.Query().Get("feature_values"))
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	canonical, err := a.repo.GetCanonicalName(r.Context(), settingName)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	ruleID, err := a.repo.SearchRule(r.Context(), canonical, featureValues)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, SearchRuleResponse{RuleID: ruleID})
}

// SetRuleValueRequest replaces a rule's value.
type SetRuleValueRequest struct {
	Value json.RawMessage `json:"value"`
}

func (a *API) handleSetRuleValue(w http.ResponseWriter, r *http.Request) {
	a.setRuleValue(w, r)
}

// handlePatchRule is the deprecated alias of PUT /rules/{id}/value.
func (a *API) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")
	a.setRuleValue(w, r)
}

func (a *API) setRuleValue(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleIDParam(w, r)
	if !ok {
		return
	}
	var req SetRuleValueRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if len(req.Value) == 0 {
		writeValidationError(w, r, "value is required")
		return
	}

	rule, err := a.repo.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	setting, err := a.repo.GetSetting(r.Context(), rule.Setting)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	value, errResp := conformValue(setting.RawType, req.Value)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	if err := a.repo.SetRuleValue(r.Context(), id, value); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// ruleIDParam parses the {id} URL parameter, answering 404 on garbage so
// unknown and malformed ids look alike to clients.
func ruleIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeNotFound(w, r, fmt.Sprintf("rule %q not found", raw))
		return 0, false
	}
	return id, true
}

// parseFeatureValuesParam parses the f1:v1,f2:v2 query form.
func parseFeatureValuesParam(raw string) (map[string]string, *ErrorResponse) {
	if raw == "" {
		return nil, &ErrorResponse{Code: "ERR_VALIDATION", Message: "feature_values query parameter is required"}
	}
	featureValues := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		feature, value, ok := strings.Cut(pair, ":")
		if !ok || !validation.IsValidFeatureName(feature) || !validation.IsValidFeatureValue(value) {
			return nil, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("malformed feature_values entry %q", pair)}
		}
		if _, dup := featureValues[feature]; dup {
			return nil, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("context feature repeated in feature_values: %s", feature)}
		}
		featureValues[feature] = value
	}
	return featureValues, nil
}

// conformValue validates a raw JSON value against a setting type and
// returns its canonical encoding.
func conformValue(rawType string, raw json.RawMessage) (json.RawMessage, *ErrorResponse) {
	typ, err := settingtypes.Parse(rawType)
	if err != nil {
		// a stored type that fails to parse is an internal invariant break
		return nil, &ErrorResponse{Code: "ERR_INTERNAL",
			Message: fmt.Sprintf("stored setting type %q is invalid", rawType)}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ErrorResponse{Code: "ERR_VALIDATION", Message: "value is not valid JSON"}
	}
	if !typ.Validate(decoded) {
		return nil, &ErrorResponse{Code: "ERR_VALIDATION",
			Message: fmt.Sprintf("value is incompatible with setting type %s", typ)}
	}
	// Flag values canonicalize to a sorted unique array
	if list, ok := decoded.([]any); ok && strings.HasPrefix(typ.String(), "Flag[") {
		canonical, err := json.Marshal(settingtypes.CanonicalizeFlagValue(list))
		if err == nil {
			return canonical, nil
		}
	}
	return raw, nil
}

// featureOrder loads the feature name -> index mapping for condition
// ordering.
func (a *API) featureOrder(r *http.Request) (map[string]int, error) {
	features, err := a.repo.ListContextFeatures(r.Context())
	if err != nil {
		return nil, err
	}
	order := make(map[string]int, len(features))
	for _, f := range features {
		order[f.Name] = f.Index
	}
	return order, nil
}

// encodeMetadata validates keys and re-encodes the values for storage.
func encodeMetadata(metadata map[string]any) (map[string]json.RawMessage, *ErrorResponse) {
	if errResp := validateMetadataKeys(metadata); errResp != nil {
		return nil, errResp
	}
	encoded := make(map[string]json.RawMessage, len(metadata))
	for key, value := range metadata {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("metadata value for %q is not serializable", key)}
		}
		encoded[key] = b
	}
	return encoded, nil
}

func validateMetadataKeys(metadata map[string]any) *ErrorResponse {
	for key := range metadata {
		if !validation.IsValidMetadataKey(key) {
			return &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("metadata key %q must match [A-Za-z0-9_-]+", key)}
		}
	}
	return nil
}
