package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"slices"

	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/catalog"
	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/observability"
	"github.com/heksher-io/heksher/internal/settingtypes"
	"github.com/heksher-io/heksher/internal/store"
	"github.com/heksher-io/heksher/internal/validation"
)

// DeclareSettingRequest asserts a setting's attributes at a version.
type DeclareSettingRequest struct {
	Name                 string          `json:"name"`
	ConfigurableFeatures []string        `json:"configurable_features"`
	Type                 string          `json:"type"`
	DefaultValue         json.RawMessage `json:"default_value,omitempty"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	Alias                string          `json:"alias,omitempty"`
	Version              string          `json:"version,omitempty"`
}

// DeclareSettingResponse carries the outcome and its supporting fields.
type DeclareSettingResponse struct {
	Outcome         catalog.Outcome `json:"outcome"`
	LatestVersion   string          `json:"latest_version,omitempty"`
	PreviousVersion string          `json:"previous_version,omitempty"`
	Differences     []string        `json:"differences,omitempty"`
}

// declaration is the validated, decoded form of the request.
type declaration struct {
	req      DeclareSettingRequest
	typ      settingtypes.Type
	def      any
	hasDef   bool
	metadata map[string]any
	version  catalog.Version
}

// handleDeclareSetting resolves the target setting, classifies every
// difference, and applies the declaration when the verdict allows it.
func (a *API) handleDeclareSetting(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req DeclareSettingRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	decl, errResp := validateDeclaration(req)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	// Resolution: the name first (through the name∪alias index), then
	// the declared alias as the rename-on-first-declare target.
	existing, resolveErr := a.repo.GetSetting(r.Context(), req.Name)
	if resolveErr != nil && !errors.Is(resolveErr, store.ErrNotFound) {
		writeStoreError(w, r, resolveErr)
		return
	}

	if existing == nil && req.Alias != "" {
		existing, resolveErr = a.repo.GetSetting(r.Context(), req.Alias)
		if errors.Is(resolveErr, store.ErrNotFound) {
			writeNotFound(w, r, fmt.Sprintf("alias %q does not exist", req.Alias))
			return
		}
		if resolveErr != nil {
			writeStoreError(w, r, resolveErr)
			return
		}
	} else if existing != nil && req.Alias != "" {
		if req.Alias != existing.Name && !slices.Contains(existing.Aliases, req.Alias) {
			writeConflict(w, r,
				fmt.Sprintf("alias %q is not a known alias of setting %q", req.Alias, existing.Name))
			return
		}
	}

	if existing == nil {
		a.createSetting(w, r, decl)
		return
	}

	response, status, err := a.compareDeclaration(r, existing, decl)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	observability.DeclarationOutcomes.WithLabelValues(string(response.Outcome)).Inc()
	if response.Outcome == catalog.OutcomeUpgraded {
		log.Info("setting upgraded",
			slog.String("setting", existing.Name),
			slog.String("version", decl.version.String()))
		a.invalidateCache(r)
	}
	render.Status(r, status)
	render.JSON(w, r, response)
}

// validateDeclaration checks shape, parses the type and version, and
// decodes the default against the type.
func validateDeclaration(req DeclareSettingRequest) (declaration, *ErrorResponse) {
	var decl declaration
	decl.req = req

	if !validation.IsValidName(req.Name) {
		return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: "setting name must match [A-Za-z0-9_.-]+"}
	}
	if req.Alias != "" {
		if !validation.IsValidName(req.Alias) {
			return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: "alias must match [A-Za-z0-9_.-]+"}
		}
		if req.Alias == req.Name {
			return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: "name and alias must differ"}
		}
	}
	for _, cf := range req.ConfigurableFeatures {
		if !validation.IsValidFeatureName(cf) {
			return decl, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("invalid context feature name %q", cf)}
		}
	}
	if errResp := validateMetadataKeys(req.Metadata); errResp != nil {
		return decl, errResp
	}
	decl.metadata = req.Metadata
	if decl.metadata == nil {
		decl.metadata = map[string]any{}
	}

	typ, err := settingtypes.Parse(req.Type)
	if err != nil {
		return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: err.Error()}
	}
	decl.typ = typ

	rawVersion := req.Version
	if rawVersion == "" {
		rawVersion = "1.0"
	}
	version, err := catalog.ParseVersion(rawVersion)
	if err != nil {
		return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: err.Error()}
	}
	decl.version = version

	if len(req.DefaultValue) > 0 && string(req.DefaultValue) != "null" {
		var def any
		if err := json.Unmarshal(req.DefaultValue, &def); err != nil {
			return decl, &ErrorResponse{Code: "ERR_VALIDATION", Message: "default_value is not valid JSON"}
		}
		if !typ.Validate(def) {
			return decl, &ErrorResponse{Code: "ERR_VALIDATION",
				Message: fmt.Sprintf("type %s and default value %s must match", typ, req.DefaultValue)}
		}
		decl.def = def
		decl.hasDef = true
	}
	return decl, nil
}

// createSetting handles the not-found leg of the resolution.
func (a *API) createSetting(w http.ResponseWriter, r *http.Request, decl declaration) {
	log := logger.FromContext(r.Context())

	if decl.version != catalog.InitialVersion {
		observability.DeclarationOutcomes.WithLabelValues(string(catalog.OutcomeMismatch)).Inc()
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, DeclareSettingResponse{
			Outcome:     catalog.OutcomeMismatch,
			Differences: []string{"newly created settings must have version 1.0"},
		})
		return
	}
	if !decl.hasDef {
		writeValidationError(w, r, "default_value is required for new settings")
		return
	}

	order, err := a.featureOrder(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	for _, cf := range decl.req.ConfigurableFeatures {
		if _, known := order[cf]; !known {
			writeNotFound(w, r, fmt.Sprintf("%q is not a context feature", cf))
			return
		}
	}

	metadata, errResp := encodeMetadata(decl.metadata)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}
	defaultValue, err := json.Marshal(decl.def)
	if err != nil {
		writeValidationError(w, r, "default_value is not serializable")
		return
	}

	setting := &store.Setting{
		Name:                 decl.req.Name,
		RawType:              decl.typ.String(),
		DefaultValue:         defaultValue,
		VersionMajor:         decl.version.Major,
		VersionMinor:         decl.version.Minor,
		ConfigurableFeatures: decl.req.ConfigurableFeatures,
		Metadata:             metadata,
	}
	if decl.req.Alias != "" {
		setting.Aliases = []string{decl.req.Alias}
	}
	if err := a.repo.CreateSetting(r.Context(), setting); err != nil {
		writeStoreError(w, r, err)
		return
	}

	log.Info("setting created", slog.String("setting", setting.Name))
	observability.DeclarationOutcomes.WithLabelValues(string(catalog.OutcomeCreated)).Inc()
	a.invalidateCache(r)
	render.Status(r, http.StatusOK)
	render.JSON(w, r, DeclareSettingResponse{Outcome: catalog.OutcomeCreated})
}

// compareDeclaration classifies the differences against the existing
// setting, decides the outcome, and applies an accepted upgrade.
func (a *API) compareDeclaration(r *http.Request, existing *store.Setting, decl declaration) (DeclareSettingResponse, int, error) {
	ctx := r.Context()

	// new configurable features must exist before they can be diffed
	order, err := a.featureOrder(r)
	if err != nil {
		return DeclareSettingResponse{}, 0, err
	}
	for _, cf := range decl.req.ConfigurableFeatures {
		if _, known := order[cf]; !known {
			return DeclareSettingResponse{}, 0, fmt.Errorf("context feature %q: %w", cf, store.ErrNotFound)
		}
	}

	existingType, err := settingtypes.Parse(existing.RawType)
	if err != nil {
		return DeclareSettingResponse{}, 0, fmt.Errorf("stored setting type %q is invalid", existing.RawType)
	}
	var existingDefault any
	_ = json.Unmarshal(existing.DefaultValue, &existingDefault)

	rules, err := a.repo.ListRulesForSetting(ctx, existing.Name)
	if err != nil {
		return DeclareSettingResponse{}, 0, err
	}
	ruleValues := make([]catalog.RuleValue, 0, len(rules))
	for _, rule := range rules {
		var value any
		if err := json.Unmarshal(rule.Value, &value); err != nil {
			continue
		}
		ruleValues = append(ruleValues, catalog.RuleValue{ID: rule.ID, Value: value})
	}
	usage, err := a.repo.FeatureUsage(ctx, existing.Name)
	if err != nil {
		return DeclareSettingResponse{}, 0, err
	}

	nameTaken := false
	if decl.req.Name != existing.Name && !slices.Contains(existing.Aliases, decl.req.Name) {
		if _, err := a.repo.GetCanonicalName(ctx, decl.req.Name); err == nil {
			nameTaken = true
		}
	}

	declaredDefault := decl.def
	if !decl.hasDef {
		// legacy declarations may omit the default; compare against the
		// stored one so absence alone is not a difference
		declaredDefault = existingDefault
	}

	diffs := catalog.Diff(catalog.DiffInput{
		Existing: catalog.State{
			Name:                 existing.Name,
			Type:                 existingType,
			DefaultValue:         existingDefault,
			ConfigurableFeatures: existing.ConfigurableFeatures,
			Metadata:             decodeMetadata(existing.Metadata),
			Version:              catalog.Version{Major: existing.VersionMajor, Minor: existing.VersionMinor},
		},
		Declared: catalog.Declaration{
			Name:                 decl.req.Name,
			Type:                 decl.typ,
			DefaultValue:         declaredDefault,
			ConfigurableFeatures: decl.req.ConfigurableFeatures,
			Metadata:             decl.metadata,
			Version:              decl.version,
		},
		Rules:        ruleValues,
		FeatureRules: usage,
		NameTaken:    nameTaken,
	})

	current := catalog.Version{Major: existing.VersionMajor, Minor: existing.VersionMinor}
	outcome := catalog.Decide(current, decl.version, diffs)
	differences := catalog.FormatDifferences(diffs)

	switch outcome {
	case catalog.OutcomeUptodate:
		return DeclareSettingResponse{Outcome: outcome}, http.StatusOK, nil
	case catalog.OutcomeMismatch:
		return DeclareSettingResponse{Outcome: outcome, Differences: differences},
			http.StatusConflict, nil
	case catalog.OutcomeOutdated:
		return DeclareSettingResponse{Outcome: outcome, LatestVersion: current.String(),
			Differences: differences}, http.StatusOK, nil
	case catalog.OutcomeRejected:
		return DeclareSettingResponse{Outcome: outcome, PreviousVersion: current.String(),
			Differences: differences}, http.StatusConflict, nil
	}

	// upgraded: persist every differing attribute and the new version
	upd := store.DeclarationUpdate{
		VersionMajor: decl.version.Major,
		VersionMinor: decl.version.Minor,
	}
	if decl.req.Name != existing.Name {
		upd.NewName = &decl.req.Name
	}
	if declaredType := decl.typ.String(); declaredType != existing.RawType {
		upd.RawType = &declaredType
	}
	if decl.hasDef {
		encoded, err := json.Marshal(decl.def)
		if err == nil && string(encoded) != string(existing.DefaultValue) {
			raw := json.RawMessage(encoded)
			upd.DefaultValue = &raw
		}
	}
	if !slices.Equal(sortedCopy(decl.req.ConfigurableFeatures), sortedCopy(existing.ConfigurableFeatures)) {
		upd.ConfigurableFeatures = decl.req.ConfigurableFeatures
	}
	encodedMeta, errResp := encodeMetadata(decl.metadata)
	if errResp != nil {
		return DeclareSettingResponse{}, 0, errors.New(errResp.Message)
	}
	if !metadataEqual(encodedMeta, existing.Metadata) {
		upd.Metadata = encodedMeta
	}

	if err := a.repo.UpdateSettingDeclaration(ctx, existing.Name, upd); err != nil {
		return DeclareSettingResponse{}, 0, err
	}
	return DeclareSettingResponse{Outcome: catalog.OutcomeUpgraded, PreviousVersion: current.String(),
		Differences: differences}, http.StatusOK, nil
}

// decodeMetadata converts stored raw metadata for in-memory comparison.
func decodeMetadata(metadata map[string]json.RawMessage) map[string]any {
	decoded := make(map[string]any, len(metadata))
	for key, raw := range metadata {
		var value any
		if err := json.Unmarshal(raw, &value); err == nil {
			decoded[key] = value
		}
	}
	return decoded
}

// metadataEqual compares metadata maps by decoded value, so formatting
// differences in the raw JSON do not count as changes.
func metadataEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	return reflect.DeepEqual(decodeMetadata(a), decodeMetadata(b))
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	slices.Sort(out)
	return out
}
