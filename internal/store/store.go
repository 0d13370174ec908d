// Package store provides the storage interface and implementations for the
// Warden control plane: in-memory (dev, tests), SQLite (single node) and
// PostgreSQL (multi-worker).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	ExecutionStore
	AuditStore
	TaskStore
	WorkerStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema if needed.
	Migrate(ctx context.Context) error

	// Backend names the implementation ("memory", "sqlite", "postgres").
	Backend() string
}

// ── Execution Store ─────────────────────────────────────────

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	Status  models.ExecutionStatus
	SkillID string
	Limit   int // default 100
}

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.SkillExecution) error
	GetExecution(ctx context.Context, id string) (*models.SkillExecution, error)
	UpdateExecution(ctx context.Context, exec *models.SkillExecution) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]models.SkillExecution, error)
}

// ── Audit Store ─────────────────────────────────────────────

// PrepareFunc builds the next entry from the head observed inside the
// append critical section.
type PrepareFunc = func(head models.ChainHead) (*models.AuditEntry, error)

// AuditStore is append-only: there is deliberately no update or delete.
type AuditStore interface {
	// AppendAuditEntry reads the head, calls prepare and inserts the result
	// as one serialized step with respect to every other appender.
	AppendAuditEntry(ctx context.Context, prepare PrepareFunc) (*models.AuditEntry, error)

	// ListAuditEntries returns entries with from <= seq (<= to when to > 0)
	// in ascending order, at most limit rows when limit > 0.
	ListAuditEntries(ctx context.Context, from, to int64, limit int) ([]models.AuditEntry, error)

	GetAuditEntry(ctx context.Context, seq int64) (*models.AuditEntry, error)
	AuditHead(ctx context.Context) (models.ChainHead, error)
	CountAuditEntries(ctx context.Context) (int64, error)
}

// ── Task Store ──────────────────────────────────────────────

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status   models.TaskStatus
	Statuses []models.TaskStatus
	WorkerID string
	Limit    int // default 100
}

// ClaimRequest selects which task a worker may take.
type ClaimRequest struct {
	WorkerID  string
	TaskTypes []string // empty = any
	Now       time.Time
}

// ResultFunc mutates the locked task for a newly recorded result.
type ResultFunc func(task *models.WorkerTask) error

type TaskStore interface {
	// CreateTask inserts a queued task. If a task with the same idempotency
	// key already exists it is returned with existed=true.
	CreateTask(ctx context.Context, task *models.WorkerTask) (stored *models.WorkerTask, existed bool, err error)
	GetTask(ctx context.Context, id string) (*models.WorkerTask, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]models.WorkerTask, error)

	// ClaimTask atomically hands the oldest eligible queued task to one
	// worker and increments its attempts. Returns nil when none is eligible.
	ClaimTask(ctx context.Context, req ClaimRequest) (*models.WorkerTask, error)

	// UpdateTaskFunc applies fn to the task under a row lock and persists it.
	UpdateTaskFunc(ctx context.Context, id string, fn func(task *models.WorkerTask) error) (*models.WorkerTask, error)

	// RecordResult stores result unless (task_id, idempotency_key) already
	// exists, in which case the stored row is returned with duplicate=true
	// and apply is not called. Otherwise apply runs on the locked task and
	// both rows are written in one transaction.
	RecordResult(ctx context.Context, result *models.WorkerResult, apply ResultFunc) (stored *models.WorkerResult, task *models.WorkerTask, duplicate bool, err error)

	GetWorkerResult(ctx context.Context, taskID, idempotencyKey string) (*models.WorkerResult, error)
	CountWorkerResults(ctx context.Context, taskID string) (int, error)
}

// ── Worker Store ────────────────────────────────────────────

type WorkerStore interface {
	UpsertWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]models.Worker, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ── helpers ─────────────────────────────────────────────────

func limitOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

func taskStatusMatch(f TaskFilter, s models.TaskStatus) bool {
	if f.Status != "" && f.Status != s {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, want := range f.Statuses {
			if want == s {
				return true
			}
		}
		return false
	}
	return true
}

func typeAllowed(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, v := range types {
		if v == t {
			return true
		}
	}
	return false
}
