package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/catalog"
	"github.com/heksher-io/heksher/internal/queryengine"
	"github.com/heksher-io/heksher/internal/settingtypes"
	"github.com/heksher-io/heksher/internal/store"
	"github.com/heksher-io/heksher/internal/validation"
)

// SettingView is the full representation of a setting.
type SettingView struct {
	Name                 string                     `json:"name"`
	ConfigurableFeatures []string                   `json:"configurable_features"`
	Type                 string                     `json:"type"`
	DefaultValue         json.RawMessage            `json:"default_value"`
	Metadata             map[string]json.RawMessage `json:"metadata"`
	Aliases              []string                   `json:"aliases"`
	Version              string                     `json:"version"`
}

func settingView(s *store.Setting) SettingView {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	aliases := s.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	features := s.ConfigurableFeatures
	if features == nil {
		features = []string{}
	}
	return SettingView{
		Name:                 s.Name,
		ConfigurableFeatures: features,
		Type:                 s.RawType,
		DefaultValue:         s.DefaultValue,
		Metadata:             metadata,
		Aliases:              aliases,
		Version:              catalog.Version{Major: s.VersionMajor, Minor: s.VersionMinor}.String(),
	}
}

func (a *API) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	setting, err := a.repo.GetSetting(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, settingView(setting))
}

// SettingName is the minimal listing entry.
type SettingName struct {
	Name string `json:"name"`
}

// ListSettingsResponse lists settings sorted by name; with
// include_additional_data the entries carry the full attributes.
type ListSettingsResponse struct {
	Settings any `json:"settings"`
}

func (a *API) handleListSettings(w http.ResponseWriter, r *http.Request) {
	withData := r.URL.Query().Get("include_additional_data") == "true"
	settings, err := a.repo.ListSettings(r.Context(), withData)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Name < settings[j].Name })

	if withData {
		views := make([]SettingView, len(settings))
		for i, s := range settings {
			views[i] = settingView(s)
		}
		render.Status(r, http.StatusOK)
		render.JSON(w, r, ListSettingsResponse{Settings: views})
		return
	}
	names := make([]SettingName, len(settings))
	for i, s := range settings {
		names[i] = SettingName{Name: s.Name}
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListSettingsResponse{Settings: names})
}

func (a *API) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.repo.DeleteSetting(r.Context(), name); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// ConflictsResponse lists what blocks an explicit mutation.
type ConflictsResponse struct {
	Conflicts []string `json:"conflicts"`
}

// SetSettingTypeRequest changes a setting's type at a new version.
type SetSettingTypeRequest struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// handleSetSettingType is the explicit PUT /settings/{name}/type: the
// same compatibility checks as declare, but conflicts surface as a list
// of offending rules rather than through the outcome taxonomy.
func (a *API) handleSetSettingType(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SetSettingTypeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	newType, err := settingtypes.Parse(req.Type)
	if err != nil {
		writeValidationError(w, r, err.Error())
		return
	}
	version, errResp := parseVersionField(req.Version)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	setting, err := a.repo.GetSetting(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	currentType, err := settingtypes.Parse(setting.RawType)
	if err != nil {
		writeStoreError(w, r, fmt.Errorf("stored setting type %q is invalid", setting.RawType))
		return
	}
	if settingtypes.Compare(newType, currentType) == settingtypes.Equal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var conflicts []string
	var defaultValue any
	if err := json.Unmarshal(setting.DefaultValue, &defaultValue); err == nil {
		if !newType.Validate(defaultValue) {
			conflicts = append(conflicts,
				fmt.Sprintf("the default value %s does not match the new type", setting.DefaultValue))
		}
	}
	rules, err := a.repo.ListRulesForSetting(r.Context(), setting.Name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	order, err := a.featureOrder(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	for _, rule := range rules {
		var value any
		if err := json.Unmarshal(rule.Value, &value); err != nil {
			continue
		}
		if !newType.Validate(value) {
			conditions := queryengine.OrderConditions(rule.FeatureValues, order)
			conflicts = append(conflicts,
				fmt.Sprintf("rule %d (%v) has incompatible value %s", rule.ID, conditions, rule.Value))
		}
	}
	if len(conflicts) > 0 {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ConflictsResponse{Conflicts: conflicts})
		return
	}

	rawType := newType.String()
	err = a.repo.UpdateSettingDeclaration(r.Context(), setting.Name, store.DeclarationUpdate{
		RawType:      &rawType,
		VersionMajor: version.Major,
		VersionMinor: version.Minor,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// RenameSettingRequest renames a setting, keeping the old name as alias.
type RenameSettingRequest struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

func (a *API) handleRenameSetting(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req RenameSettingRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if !validation.IsValidName(req.Name) {
		writeValidationError(w, r, "setting name must match [A-Za-z0-9_.-]+")
		return
	}

	canonical, err := a.repo.GetCanonicalName(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if req.Name == canonical {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// a taken name is acceptable only when it is an alias of this very
	// setting, in which case the alias gets promoted
	if takenBy, err := a.repo.GetCanonicalName(r.Context(), req.Name); err == nil && takenBy != canonical {
		writeConflict(w, r, fmt.Sprintf("name %q already exists", req.Name))
		return
	}

	if req.Version != "" {
		version, errResp := parseVersionField(req.Version)
		if errResp != nil {
			render.Status(r, http.StatusUnprocessableEntity)
			render.JSON(w, r, errResp)
			return
		}
		err = a.repo.UpdateSettingDeclaration(r.Context(), canonical, store.DeclarationUpdate{
			NewName:      &req.Name,
			VersionMajor: version.Major,
			VersionMinor: version.Minor,
		})
	} else {
		err = a.repo.RenameSetting(r.Context(), canonical, req.Name)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// SetConfigurableFeaturesRequest replaces the feature set a setting can
// be configured by.
type SetConfigurableFeaturesRequest struct {
	ConfigurableFeatures []string `json:"configurable_features"`
	Version              string   `json:"version"`
}

func (a *API) handleSetConfigurableFeatures(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req SetConfigurableFeaturesRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	version, errResp := parseVersionField(req.Version)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return
	}

	setting, err := a.repo.GetSetting(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	order, err := a.featureOrder(r)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	for _, cf := range req.ConfigurableFeatures {
		if _, known := order[cf]; !known {
			writeNotFound(w, r, fmt.Sprintf("%q is not a context feature", cf))
			return
		}
	}

	// removals are blocked while any rule still conditions on the feature
	declared := make(map[string]struct{}, len(req.ConfigurableFeatures))
	for _, cf := range req.ConfigurableFeatures {
		declared[cf] = struct{}{}
	}
	usage, err := a.repo.FeatureUsage(r.Context(), setting.Name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	var conflicts []string
	for _, cf := range setting.ConfigurableFeatures {
		if _, kept := declared[cf]; kept {
			continue
		}
		if ids := usage[cf]; len(ids) > 0 {
			conflicts = append(conflicts,
				fmt.Sprintf("context feature %q is still in use by rules %v", cf, ids))
		}
	}
	if len(conflicts) > 0 {
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, ConflictsResponse{Conflicts: conflicts})
		return
	}

	err = a.repo.UpdateSettingDeclaration(r.Context(), setting.Name, store.DeclarationUpdate{
		ConfigurableFeatures: req.ConfigurableFeatures,
		VersionMajor:         version.Major,
		VersionMinor:         version.Minor,
	})
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// parseVersionField parses a mandatory version body field.
func parseVersionField(raw string) (catalog.Version, *ErrorResponse) {
	if raw == "" {
		return catalog.Version{}, &ErrorResponse{Code: "ERR_VALIDATION", Message: "version is required"}
	}
	version, err := catalog.ParseVersion(raw)
	if err != nil {
		return catalog.Version{}, &ErrorResponse{Code: "ERR_VALIDATION", Message: err.Error()}
	}
	return version, nil
}
