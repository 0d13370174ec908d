// Package handlers implements the HTTP handlers for the Warden control plane.
// Errors are written as RFC 7807 problem documents; successful responses are
// plain JSON.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/moogar0880/problems"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/retention"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Exporter runs an audit export cycle on demand. *retention.Janitor satisfies it.
type Exporter interface {
	RunCycle(ctx context.Context) (*retention.CycleStats, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Runner   *skills.Runner
	Policy   skills.PolicyEvaluator
	Chain    *audit.Chain
	Queue    *queue.Queue
	Exporter Exporter // nil when no export path is configured

	validate *validator.Validate
}

// New creates a new Handlers instance with all dependencies.
func New(runner *skills.Runner, pol skills.PolicyEvaluator, chain *audit.Chain, q *queue.Queue, exp Exporter) *Handlers {
	return &Handlers{
		Runner:   runner,
		Policy:   pol,
		Chain:    chain,
		Queue:    q,
		Exporter: exp,
		validate: skills.NewValidator(),
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondProblem(w http.ResponseWriter, r *http.Request, status int, kind, detail string) {
	p := problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(kind).
		WithDetail(detail)
	w.Header().Set("Content-Type", problems.ProblemMediaType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(p)
}

// respondError maps domain errors onto problem documents.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs   validator.ValidationErrors
		invalid *skills.ValidationError
		sandbox *skills.SandboxViolation
		policy  *skills.PolicyViolationError
		execErr *skills.ExecutionError
	)
	switch {
	case errors.As(err, &verrs), errors.As(err, &invalid), errors.As(err, &sandbox),
		errors.Is(err, skills.ErrUnknownSkill):
		respondProblem(w, r, http.StatusUnprocessableEntity, "validation_error", err.Error())
	case store.IsNotFound(err):
		respondProblem(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, skills.ErrApprovalRequired):
		respondProblem(w, r, http.StatusConflict, "approval_required", err.Error())
	case errors.Is(err, skills.ErrInvalidTransition):
		respondProblem(w, r, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &policy):
		respondProblem(w, r, http.StatusForbidden, "policy_violation", err.Error())
	case errors.As(err, &execErr):
		respondProblem(w, r, http.StatusBadGateway, "execution_error", err.Error())
	case errors.Is(err, queue.ErrNotClaimant), errors.Is(err, queue.ErrNotActive),
		errors.Is(err, queue.ErrNotDeadLettered), errors.Is(err, retention.ErrCycleRunning):
		respondProblem(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
		respondProblem(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// decode reads a JSON body into dst and runs struct validation. An empty
// body leaves dst at its zero value before validation.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		respondProblem(w, r, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, r, err)
		return false
	}
	return true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &skills.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}
