// Package handlers provides HTTP handlers for the approval queue.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/modules/approvals"
)

// Handler provides HTTP handlers for approval endpoints
type Handler struct {
	repo       *approvals.Repository
	executions *approvals.ExecutionRepository
	workflow   *approvals.Workflow
	log        zerolog.Logger
}

// NewHandler creates a new approvals handler
func NewHandler(repo *approvals.Repository, executions *approvals.ExecutionRepository,
	workflow *approvals.Workflow, log zerolog.Logger) *Handler {
	return &Handler{
		repo:       repo,
		executions: executions,
		workflow:   workflow,
		log:        log.With().Str("handler", "approvals").Logger(),
	}
}

// HandleList handles GET /approvals
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.List(0)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list approvals")
		http.Error(w, "Failed to list approvals", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*approvals.Approval{}
	}
	writeJSON(w, h.log, list)
}

// HandleListPending handles GET /approvals/pending
func (h *Handler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	list, err := h.repo.ListByStatus(approvals.StatusPending)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list pending approvals")
		http.Error(w, "Failed to list pending approvals", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*approvals.Approval{}
	}
	writeJSON(w, h.log, list)
}

// HandleGet handles GET /approvals/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get approval")
		http.Error(w, "Failed to get approval", http.StatusInternalServerError)
		return
	}
	if a == nil {
		http.Error(w, "Approval not found", http.StatusNotFound)
		return
	}

	execs, err := h.executions.ListForApproval(a.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list executions")
		http.Error(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, h.log, map[string]interface{}{
		"approval":   a,
		"executions": execs,
	})
}

// HandleCreate handles POST /approvals (manual trade request)
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req approvals.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.workflow.SubmitManual(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, h.log, a)
}

// HandleAct handles PATCH /approvals/{id} (approve or decline)
func (h *Handler) HandleAct(w http.ResponseWriter, r *http.Request) {
	var req approvals.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.workflow.Act(r.Context(), chi.URLParam(r, "id"), req)
	switch {
	case errors.Is(err, approvals.ErrNotFound):
		http.Error(w, "Approval not found", http.StatusNotFound)
		return
	case errors.Is(err, approvals.ErrExpired):
		http.Error(w, "Approval expired", http.StatusGone)
		return
	case errors.Is(err, approvals.ErrMFAInvalid):
		http.Error(w, "Invalid or expired MFA code", http.StatusForbidden)
		return
	case errors.Is(err, approvals.ErrInvalidAction):
		http.Error(w, "Invalid action for approval state", http.StatusConflict)
		return
	case err != nil:
		h.log.Error().Err(err).Msg("Failed to act on approval")
		http.Error(w, "Failed to act on approval", http.StatusInternalServerError)
		return
	}

	writeJSON(w, h.log, a)
}

// HandleExecutions handles GET /executions
func (h *Handler) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.executions.ListRecent(0)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list executions")
		http.Error(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}
	if execs == nil {
		execs = []*approvals.Execution{}
	}
	writeJSON(w, h.log, execs)
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
