// Package handlers provides HTTP handlers for rule management.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/rules"
)

// Evaluator runs one dry evaluation tick on demand.
type Evaluator interface {
	EvaluateOnce() ([]*rules.Intent, error)
}

// Optimizer runs rule optimization and backtests.
type Optimizer interface {
	Optimize() (interface{}, error)
	Backtest(ruleID int64, req BacktestRequest) (interface{}, error)
}

// BacktestRequest is the payload for POST /rules/{id}/backtest.
type BacktestRequest struct {
	StartDate      string            `json:"startDate"`
	EndDate        string            `json:"endDate"`
	InitialBalance map[string]string `json:"initialBalance,omitempty"`
	InitialPrices  map[string]string `json:"initialPrices,omitempty"`
}

// Handler provides HTTP handlers for rules endpoints
type Handler struct {
	repo      *rules.Repository
	metrics   *rules.MetricsRepository
	evaluator Evaluator
	optimizer Optimizer
	log       zerolog.Logger
}

// NewHandler creates a new rules handler
func NewHandler(repo *rules.Repository, metrics *rules.MetricsRepository, log zerolog.Logger) *Handler {
	return &Handler{
		repo:    repo,
		metrics: metrics,
		log:     log.With().Str("handler", "rules").Logger(),
	}
}

// SetEvaluator sets the on-demand evaluator (for dependency injection)
func (h *Handler) SetEvaluator(e Evaluator) { h.evaluator = e }

// SetOptimizer sets the optimizer service (for dependency injection)
func (h *Handler) SetOptimizer(o Optimizer) { h.optimizer = o }

// HandleList handles GET /rules
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list rules")
		http.Error(w, "Failed to list rules", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*rules.Rule{}
	}
	writeJSON(w, h.log, list)
}

// HandleCreate handles POST /rules
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	rule, err := rules.ParseRule(body)
	if err != nil {
		writeParseError(w, err)
		return
	}

	created, err := h.repo.Create(rule)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to create rule")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, h.log, created)
}

// HandleActivate handles POST /rules/{id}/activate
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.repo.SetEnabled(id, payload.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, h.log, map[string]interface{}{"id": id, "enabled": payload.Enabled})
}

// HandleMetrics handles GET /rules/{id}/metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	list, err := h.metrics.ListForRule(id)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list rule metrics")
		http.Error(w, "Failed to list metrics", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*rules.Metrics{}
	}
	writeJSON(w, h.log, list)
}

// HandleEvaluate handles POST /rules/evaluate (one dry tick)
func (h *Handler) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	if h.evaluator == nil {
		http.Error(w, "Evaluator unavailable", http.StatusServiceUnavailable)
		return
	}

	intents, err := h.evaluator.EvaluateOnce()
	if err != nil {
		h.log.Error().Err(err).Msg("Dry evaluation failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if intents == nil {
		intents = []*rules.Intent{}
	}
	writeJSON(w, h.log, map[string]interface{}{
		"evaluated_at": time.Now().UTC(),
		"intents":      intents,
	})
}

// HandleOptimize handles POST /rules/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	if h.optimizer == nil {
		http.Error(w, "Optimizer unavailable", http.StatusServiceUnavailable)
		return
	}

	result, err := h.optimizer.Optimize()
	if err != nil {
		h.log.Error().Err(err).Msg("Optimization run failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, result)
}

// HandleBacktest handles POST /rules/{id}/backtest
func (h *Handler) HandleBacktest(w http.ResponseWriter, r *http.Request) {
	if h.optimizer == nil {
		http.Error(w, "Optimizer unavailable", http.StatusServiceUnavailable)
		return
	}
	id, ok := ruleID(w, r)
	if !ok {
		return
	}

	var req BacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.optimizer.Backtest(id, req)
	if err != nil {
		h.log.Error().Err(err).Int64("rule_id", id).Msg("Backtest failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, h.log, result)
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid rule id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeParseError(w http.ResponseWriter, err error) {
	var pe *rules.ParseError
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	if errors.As(err, &pe) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "invalid rule", "field": pe.Field, "detail": pe.Detail})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
