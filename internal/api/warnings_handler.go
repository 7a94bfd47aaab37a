package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.wsrt.dev/internal/diagnostics"
)

// WarningsHandler exposes operator-visible diagnostics.
type WarningsHandler struct {
	warn *diagnostics.Service
}

// NewWarningsHandler creates a handler backed by warn.
func NewWarningsHandler(warn *diagnostics.Service) *WarningsHandler {
	return &WarningsHandler{warn: warn}
}

// Routes mounts the /warnings endpoints.
func (h *WarningsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Post("/{id}/ack", h.Acknowledge)
	return r
}

// List handles GET /warnings
//
//	@Summary		List operator warnings
//	@Description	Returns every operator-visible diagnostic warning, newest first
//	@Tags			warnings
//	@Produce		json
//	@Success		200	{array}	diagnostics.Warning
//	@Router			/warnings [get]
func (h *WarningsHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.warn.All())
}

// Acknowledge handles POST /warnings/{id}/ack
//
//	@Summary		Acknowledge a warning
//	@Tags			warnings
//	@Param			id	path	string	true	"warning id"
//	@Success		204
//	@Failure		404	{object}	ErrorResponse
//	@Router			/warnings/{id}/ack [post]
func (h *WarningsHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.warn.Acknowledge(id) {
		WriteNotFound(w, "warning not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
