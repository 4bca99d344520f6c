package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/optimizer"
	rulehandlers "github.com/aristath/vigil/internal/modules/rules/handlers"
)

// optimizerAdapter bridges the rules HTTP handler onto the optimizer
// service, translating request-shaped payloads into service calls.
type optimizerAdapter struct {
	svc *optimizer.Service
}

func newOptimizerAdapter(svc *optimizer.Service) *optimizerAdapter {
	return &optimizerAdapter{svc: svc}
}

func (a *optimizerAdapter) Optimize() (interface{}, error) {
	return a.svc.Optimize()
}

func (a *optimizerAdapter) Backtest(ruleID int64, req rulehandlers.BacktestRequest) (interface{}, error) {
	start, err := parseDate(req.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid startDate: %w", err)
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		return nil, fmt.Errorf("invalid endDate: %w", err)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("endDate must be after startDate")
	}
	return a.svc.BacktestRule(ruleID, start, end)
}

// parseDate accepts RFC3339 or a bare calendar date.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// MonteCarloHandler serves POST /monte-carlo: forward portfolio projections
// from historical snapshot returns.
type MonteCarloHandler struct {
	svc *optimizer.Service
	log zerolog.Logger
}

// HandleRun runs a projection. Days and paths fall back to service defaults
// when omitted; a fixed seed makes the run reproducible.
func (h *MonteCarloHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		http.Error(w, "optimizer unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Days  int   `json:"days"`
		Paths int   `json:"paths"`
		Seed  int64 `json:"seed"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	projection, err := h.svc.MonteCarlo(req.Days, req.Paths, req.Seed)
	if err != nil {
		h.log.Error().Err(err).Msg("Monte Carlo projection failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(projection); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
