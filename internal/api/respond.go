package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/heksher-io/heksher/internal/logger"
	"github.com/heksher-io/heksher/internal/store"
)

// ErrorResponse is the error envelope of every non-2xx business response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}

func writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusUnprocessableEntity, "ERR_VALIDATION", message)
}

func writeNotFound(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusNotFound, "ERR_NOT_FOUND", message)
}

func writeConflict(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusConflict, "ERR_CONFLICT", message)
}

func writeBadJSON(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "ERR_INVALID_JSON", "invalid JSON payload: "+err.Error())
}

// writeStoreError maps the store's sentinel errors onto the HTTP
// taxonomy; anything unrecognized is an internal error.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeNotFound(w, r, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeConflict(w, r, err.Error())
	case errors.Is(err, store.ErrInUse):
		writeConflict(w, r, err.Error())
	default:
		log := logger.FromContext(r.Context())
		log.Error("database operation failed", slog.String("error", err.Error()))
		writeError(w, r, http.StatusInternalServerError, "ERR_INTERNAL", "internal error")
	}
}
