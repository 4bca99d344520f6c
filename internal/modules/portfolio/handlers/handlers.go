// Package handlers provides HTTP handlers for portfolio endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/portfolio"
)

// Handler provides HTTP handlers for portfolio endpoints
type Handler struct {
	service *portfolio.Service
	log     zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(service *portfolio.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleCurrent handles GET /portfolio/current
func (h *Handler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Current()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get current portfolio")
		http.Error(w, "No portfolio snapshot available", http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, view)
}

// HandleManualSnapshot handles POST /portfolio/snapshot
func (h *Handler) HandleManualSnapshot(w http.ResponseWriter, r *http.Request) {
	var req portfolio.ManualSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snap, err := h.service.ManualSnapshot(&req)
	if err != nil {
		h.log.Error().Err(err).Msg("Manual snapshot failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, h.log, snap)
}

// HandleForceSnapshot handles POST /portfolio/snapshot/force
func (h *Handler) HandleForceSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ForceSnapshot(r.Context(), "forced")
	if err != nil {
		h.log.Error().Err(err).Msg("Forced snapshot failed")
		http.Error(w, "Snapshot failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, h.log, snap)
}

// HandleChanges handles GET /portfolio/changes?since=<RFC3339|unix>
func (h *Handler) HandleChanges(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		http.Error(w, "Invalid since parameter", http.StatusBadRequest)
		return
	}

	changes, err := h.service.ChangesSince(since)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to compute portfolio changes")
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, changes)
}

// parseSince accepts RFC3339 timestamps or unix seconds; empty means 24h ago.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().Add(-24 * time.Hour), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
