// Package handlers provides HTTP handlers for risk state and kill-switch.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/risk"
)

// Handler provides HTTP handlers for risk endpoints
type Handler struct {
	state      *risk.State
	killSwitch *risk.KillSwitchRepository
	log        zerolog.Logger
}

// NewHandler creates a new risk handler
func NewHandler(state *risk.State, killSwitch *risk.KillSwitchRepository, log zerolog.Logger) *Handler {
	return &Handler{
		state:      state,
		killSwitch: killSwitch,
		log:        log.With().Str("handler", "risk").Logger(),
	}
}

// HandleState handles GET /risk/state
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, h.state.Snapshot(time.Now().UTC()))
}

// HandleGetKillSwitch handles GET /kill-switch
func (h *Handler) HandleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	state, err := h.killSwitch.Get()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get kill switch")
		http.Error(w, "Failed to get kill switch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, state)
}

// HandleSetKillSwitch handles POST /kill-switch
func (h *Handler) HandleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool   `json:"enabled"`
		Reason  string `json:"reason"`
		SetBy   string `json:"setBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	state, err := h.killSwitch.Set(req.Enabled, req.Reason, req.SetBy)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to set kill switch")
		http.Error(w, "Failed to set kill switch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, state)
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
