package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/validation"
)

// MetadataBody wraps a whole metadata map for POST (merge) and PUT
// (replace) requests.
type MetadataBody struct {
	Metadata map[string]any `json:"metadata"`
}

// MetadataKeyBody wraps a single metadata value for per-key PUT requests.
type MetadataKeyBody struct {
	Value any `json:"value"`
}

// GetMetadataResponse returns a metadata map.
type GetMetadataResponse struct {
	Metadata map[string]json.RawMessage `json:"metadata"`
}

func (a *API) mountSettingMetadataRoutes(r chi.Router) {
	r.Route("/metadata", func(r chi.Router) {
		r.Get("/", a.settingMetadataHandler(a.getSettingMetadata))
		r.Post("/", a.settingMetadataHandler(a.mergeSettingMetadata))
		r.Put("/", a.settingMetadataHandler(a.replaceSettingMetadata))
		r.Delete("/", a.settingMetadataHandler(a.clearSettingMetadata))
		r.Put("/{key}", a.settingMetadataHandler(a.putSettingMetadataKey))
		r.Delete("/{key}", a.settingMetadataHandler(a.deleteSettingMetadataKey))
	})
}

func (a *API) mountRuleMetadataRoutes(r chi.Router) {
	r.Route("/metadata", func(r chi.Router) {
		r.Get("/", a.ruleMetadataHandler(a.getRuleMetadata))
		r.Post("/", a.ruleMetadataHandler(a.mergeRuleMetadata))
		r.Put("/", a.ruleMetadataHandler(a.replaceRuleMetadata))
		r.Delete("/", a.ruleMetadataHandler(a.clearRuleMetadata))
		r.Put("/{key}", a.ruleMetadataHandler(a.putRuleMetadataKey))
		r.Delete("/{key}", a.ruleMetadataHandler(a.deleteRuleMetadataKey))
	})
}

// settingMetadataHandler binds the {name} parameter before delegating.
func (a *API) settingMetadataHandler(fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, chi.URLParam(r, "name"))
	}
}

// ruleMetadataHandler binds and parses the {id} parameter before
// delegating.
func (a *API) ruleMetadataHandler(fn func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleIDParam(w, r)
		if !ok {
			return
		}
		fn(w, r, id)
	}
}

// decodeMetadataBody decodes and validates a whole-map body.
func decodeMetadataBody(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	var body MetadataBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		writeBadJSON(w, r, err)
		return nil, false
	}
	encoded, errResp := encodeMetadata(body.Metadata)
	if errResp != nil {
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, errResp)
		return nil, false
	}
	return encoded, true
}

// decodeMetadataKey validates the {key} parameter and decodes the value
// body.
func decodeMetadataKey(w http.ResponseWriter, r *http.Request) (string, json.RawMessage, bool) {
	key := chi.URLParam(r, "key")
	if !validation.IsValidMetadataKey(key) {
		writeValidationError(w, r, "metadata key must match [A-Za-z0-9_-]+")
		return "", nil, false
	}
	var body MetadataKeyBody
	if err := render.DecodeJSON(r.Body, &body); err != nil {
		writeBadJSON(w, r, err)
		return "", nil, false
	}
	encoded, err := json.Marshal(body.Value)
	if err != nil {
		writeValidationError(w, r, "metadata value is not serializable")
		return "", nil, false
	}
	return key, encoded, true
}

// --- setting metadata ---

func (a *API) getSettingMetadata(w http.ResponseWriter, r *http.Request, name string) {
	metadata, err := a.repo.GetSettingMetadata(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, GetMetadataResponse{Metadata: metadata})
}

func (a *API) mergeSettingMetadata(w http.ResponseWriter, r *http.Request, name string) {
	metadata, ok := decodeMetadataBody(w, r)
	if !ok {
		return
	}
	if err := a.repo.MergeSettingMetadata(r.Context(), name, metadata); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) replaceSettingMetadata(w http.ResponseWriter, r *http.Request, name string) {
	metadata, ok := decodeMetadataBody(w, r)
	if !ok {
		return
	}
	if err := a.repo.ReplaceSettingMetadata(r.Context(), name, metadata); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearSettingMetadata(w http.ResponseWriter, r *http.Request, name string) {
	if err := a.repo.DeleteSettingMetadata(r.Context(), name); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) putSettingMetadataKey(w http.ResponseWriter, r *http.Request, name string) {
	key, value, ok := decodeMetadataKey(w, r)
	if !ok {
		return
	}
	if err := a.repo.SetSettingMetadataKey(r.Context(), name, key, value); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteSettingMetadataKey(w http.ResponseWriter, r *http.Request, name string) {
	key := chi.URLParam(r, "key")
	if !validation.IsValidMetadataKey(key) {
		writeValidationError(w, r, "metadata key must match [A-Za-z0-9_-]+")
		return
	}
	if err := a.repo.DeleteSettingMetadataKey(r.Context(), name, key); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// --- rule metadata ---

func (a *API) getRuleMetadata(w http.ResponseWriter, r *http.Request, id int64) {
	metadata, err := a.repo.GetRuleMetadata(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if metadata == nil {
		metadata = map[string]json.RawMessage{}
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, GetMetadataResponse{Metadata: metadata})
}

func (a *API) mergeRuleMetadata(w http.ResponseWriter, r *http.Request, id int64) {
	metadata, ok := decodeMetadataBody(w, r)
	if !ok {
		return
	}
	if err := a.repo.MergeRuleMetadata(r.Context(), id, metadata); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) replaceRuleMetadata(w http.ResponseWriter, r *http.Request, id int64) {
	metadata, ok := decodeMetadataBody(w, r)
	if !ok {
		return
	}
	if err := a.repo.ReplaceRuleMetadata(r.Context(), id, metadata); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearRuleMetadata(w http.ResponseWriter, r *http.Request, id int64) {
	if err := a.repo.DeleteRuleMetadata(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) putRuleMetadataKey(w http.ResponseWriter, r *http.Request, id int64) {
	key, value, ok := decodeMetadataKey(w, r)
	if !ok {
		return
	}
	if err := a.repo.SetRuleMetadataKey(r.Context(), id, key, value); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteRuleMetadataKey(w http.ResponseWriter, r *http.Request, id int64) {
	key := chi.URLParam(r, "key")
	if !validation.IsValidMetadataKey(key) {
		writeValidationError(w, r, "metadata key must match [A-Za-z0-9_-]+")
		return
	}
	if err := a.repo.DeleteRuleMetadataKey(r.Context(), id, key); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}
