// Package handlers provides HTTP handlers for the objectives endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/objectives"
)

// Handler provides HTTP handlers for objectives endpoints
type Handler struct {
	repo *objectives.Repository
	log  zerolog.Logger
}

// NewHandler creates a new objectives handler
func NewHandler(repo *objectives.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		repo: repo,
		log:  log.With().Str("handler", "objectives").Logger(),
	}
}

// HandleGet handles GET /objectives
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	obj, err := h.repo.Get()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get objectives")
		http.Error(w, "Failed to get objectives", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode objectives")
	}
}

// HandlePut handles PUT /objectives
func (h *Handler) HandlePut(w http.ResponseWriter, r *http.Request) {
	var obj objectives.Objectives
	if err := json.NewDecoder(r.Body).Decode(&obj); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.repo.Set(&obj); err != nil {
		h.log.Error().Err(err).Msg("Failed to save objectives")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&obj); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode objectives")
	}
}
