package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Worker Queue Handlers ───────────────────────────────────
// ══════════════════════════════════════════════════════════════

// EnqueueTask returns 201 for a new task and 200 when the idempotency key
// matched an existing one.
func (h *Handlers) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req queue.EnqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, existed, err := h.Queue.Enqueue(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	respondJSON(w, status, task)
}

func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, r, err)
		return
	}
	tasks, err := h.Queue.List(r.Context(), store.TaskFilter{
		Status:   models.TaskStatus(r.URL.Query().Get("status")),
		WorkerID: r.URL.Query().Get("worker_id"),
		Limit:    int(limit),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.WorkerTask{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Queue.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type claimRequest struct {
	WorkerID  string   `json:"worker_id" validate:"required,max=128"`
	TaskTypes []string `json:"task_types,omitempty" validate:"max=32"`
}

// ClaimTask answers 204 when nothing is eligible.
func (h *Handlers) ClaimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Queue.Claim(r.Context(), req.WorkerID, req.TaskTypes)
	if errors.Is(err, queue.ErrNoTask) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type startRequest struct {
	WorkerID string `json:"worker_id" validate:"required,max=128"`
}

func (h *Handlers) StartTask(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.Queue.Start(r.Context(), chi.URLParam(r, "taskID"), req.WorkerID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

type resultRequest struct {
	IdempotencyKey string                 `json:"idempotency_key" validate:"required,max=256"`
	WorkerID       string                 `json:"worker_id" validate:"required,max=128"`
	Payload        map[string]interface{} `json:"payload"`
}

// SubmitResult records a worker report. A replayed idempotency key is a 200
// carrying the original result with duplicate=true.
func (h *Handlers) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.Queue.SubmitResult(r.Context(), queue.SubmitRequest{
		TaskID:         chi.URLParam(r, "taskID"),
		IdempotencyKey: req.IdempotencyKey,
		WorkerID:       req.WorkerID,
		Payload:        req.Payload,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondError(w, r, err)
		return
	}
	tasks, err := h.Queue.ListDeadLetters(r.Context(), int(limit))
	if err != nil {
		respondError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []models.WorkerTask{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	task, err := h.Queue.RetryDeadLetter(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// ══════════════════════════════════════════════════════════════
// ── Worker Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

type heartbeatRequest struct {
	Site         string   `json:"site,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (h *Handlers) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatRequest
	if !h.decode(w, r, &body) {
		return
	}
	req := queue.HeartbeatRequest{
		WorkerID:     chi.URLParam(r, "workerID"),
		Site:         body.Site,
		Capabilities: body.Capabilities,
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, r, err)
		return
	}
	worker, err := h.Queue.Heartbeat(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, worker)
}

func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.Queue.ListWorkers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	if workers == nil {
		workers = []models.Worker{}
	}
	respondJSON(w, http.StatusOK, workers)
}
