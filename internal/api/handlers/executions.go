package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Skill & Policy Handlers ─────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSkills(w http.ResponseWriter, r *http.Request) {
	list := h.Runner.Catalog().List()
	out := make([]map[string]interface{}, 0, len(list))
	for i := range list {
		s := &list[i]
		out = append(out, map[string]interface{}{
			"skill":        s,
			"content_hash": skills.ContentHash(s),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"skills": out, "count": len(out)})
}

type evaluateRequest struct {
	SkillID    string                 `json:"skill_id" validate:"required"`
	Target     string                 `json:"target" validate:"required"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// EvaluatePolicy is a dry run of the active policy. Denials are a 200 with
// allowed=false.
func (h *Handlers) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !h.decode(w, r, &req) {
		return
	}
	target, err := skills.ParseTarget(req.Target)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, h.Policy.Evaluate(r.Context(), req.SkillID, target.Type, target.PolicyID(), req.Parameters))
}

// ══════════════════════════════════════════════════════════════
// ── Execution Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, r, err)
		return
	}
	execs, err := h.Runner.List(r.Context(), store.ExecutionFilter{
		Status:  models.ExecutionStatus(r.URL.Query().Get("status")),
		SkillID: r.URL.Query().Get("skill_id"),
		Limit:   int(limit),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if execs == nil {
		execs = []models.SkillExecution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (h *Handlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	var req skills.CreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	exec, err := h.Runner.Create(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, exec)
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Runner.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required,max=128"`
}

func (h *Handlers) ApproveExecution(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !h.decode(w, r, &req) {
		return
	}
	exec, err := h.Runner.Approve(r.Context(), chi.URLParam(r, "executionID"), req.ApprovedBy)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

type rejectRequest struct {
	RejectedBy string `json:"rejected_by" validate:"required,max=128"`
	Reason     string `json:"reason" validate:"max=1024"`
}

func (h *Handlers) RejectExecution(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !h.decode(w, r, &req) {
		return
	}
	exec, err := h.Runner.Reject(r.Context(), chi.URLParam(r, "executionID"), req.RejectedBy, req.Reason)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// ExecuteExecution runs an approved execution synchronously. Once the
// execution reaches a terminal status the body is the execution itself; the
// HTTP status tells a policy block (403) and an adapter failure (502) apart
// from other outcomes.
func (h *Handlers) ExecuteExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Runner.Execute(r.Context(), chi.URLParam(r, "executionID"))
	if err == nil {
		respondJSON(w, http.StatusOK, exec)
		return
	}
	if exec == nil || !exec.Status.IsTerminal() ||
		errors.Is(err, skills.ErrInvalidTransition) || errors.Is(err, skills.ErrApprovalRequired) {
		respondError(w, r, err)
		return
	}

	status := http.StatusOK
	var execErr *skills.ExecutionError
	switch {
	case errors.Is(err, skills.ErrPolicyViolation):
		status = http.StatusForbidden
	case errors.As(err, &execErr):
		status = http.StatusBadGateway
	}
	respondJSON(w, status, exec)
}
