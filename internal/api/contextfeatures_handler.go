package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/validation"
)

// GetContextFeaturesResponse lists all features in hierarchical order.
type GetContextFeaturesResponse struct {
	ContextFeatures []string `json:"context_features"`
}

func (a *API) handleListContextFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := a.repo.ListContextFeatures(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.Name
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, GetContextFeaturesResponse{ContextFeatures: names})
}

// GetContextFeatureResponse reports one feature's hierarchical index.
type GetContextFeatureResponse struct {
	Index int `json:"index"`
}

func (a *API) handleGetContextFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	index, err := a.repo.GetContextFeatureIndex(r.Context(), name)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, GetContextFeatureResponse{Index: index})
}

func (a *API) handleDeleteContextFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := a.repo.DeleteContextFeature(r.Context(), name); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// AddContextFeatureRequest carries the feature to append.
type AddContextFeatureRequest struct {
	ContextFeature string `json:"context_feature"`
}

func (a *API) handleAddContextFeature(w http.ResponseWriter, r *http.Request) {
	var req AddContextFeatureRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if !validation.IsValidFeatureName(req.ContextFeature) {
		writeValidationError(w, r, "context feature name must match [A-Za-z0-9_-]+")
		return
	}

	index, err := a.repo.AddContextFeature(r.Context(), req.ContextFeature)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	log := logger.FromContext(r.Context())
	log.Info("context feature added",
		slog.String("context_feature", req.ContextFeature), slog.Int("index", index))
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}

// MoveContextFeatureRequest positions a feature relative to a pivot.
// Exactly one of to_before and to_after must be set.
type MoveContextFeatureRequest struct {
	ToBefore *string `json:"to_before,omitempty"`
	ToAfter  *string `json:"to_after,omitempty"`
}

func (a *API) handleMoveContextFeature(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req MoveContextFeatureRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeBadJSON(w, r, err)
		return
	}
	if (req.ToBefore == nil) == (req.ToAfter == nil) {
		writeValidationError(w, r, "exactly one of to_before and to_after must be provided")
		return
	}

	pivot, before := "", false
	if req.ToBefore != nil {
		pivot, before = *req.ToBefore, true
	} else {
		pivot = *req.ToAfter
	}

	if err := a.repo.MoveContextFeature(r.Context(), name, pivot, before); err != nil {
		writeStoreError(w, r, err)
		return
	}
	a.invalidateCache(r)
	w.WriteHeader(http.StatusNoContent)
}
