// Package queue dispatches WorkerTasks to site workers.
//
// Claiming is at-most-one per task (the store takes a row lock that skips
// rows another claimant holds), attempts are counted at claim time, and
// results are idempotent on (task_id, idempotency_key). A failed attempt is
// requeued with exponential backoff until max_attempts, after which the task
// is dead-lettered and a high-severity alert is emitted.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/notify"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrNoTask is returned by Claim when nothing is eligible.
	ErrNoTask = errors.New("no task available")
	// ErrNotClaimant is returned when a worker reports on a task it does not hold.
	ErrNotClaimant = errors.New("task is claimed by another worker")
	// ErrNotActive is returned for a result or requeue on a task no worker holds.
	ErrNotActive = errors.New("task is not claimed or running")
	// ErrNotDeadLettered is returned by RetryDeadLetter for any other status.
	ErrNotDeadLettered = errors.New("task is not dead-lettered")
)

// Store is the persistence the queue needs.
type Store interface {
	store.TaskStore
	store.WorkerStore
}

// Alerter receives dead-letter events. *notify.Service satisfies it.
type Alerter interface {
	Dispatch(ctx context.Context, event notify.Event) []notify.Result
}

// Config tunes retry and health behaviour.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StaleAfter  time.Duration
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BackoffBase: time.Second, BackoffMax: time.Hour, StaleAfter: 90 * time.Second}
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier adds a listener told about every newly queued task.
func WithNotifier(n contracts.TaskNotifier) Option {
	return func(q *Queue) { q.notifiers = append(q.notifiers, n) }
}

// WithAlerter routes dead-letter alerts to a.
func WithAlerter(a Alerter) Option {
	return func(q *Queue) { q.alerter = a }
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the worker task queue.
type Queue struct {
	store     Store
	cfg       Config
	notifiers []contracts.TaskNotifier
	alerter   Alerter
	now       func() time.Time

	claimed      metric.Int64Counter
	deadLettered metric.Int64Counter
}

// New creates a queue over st.
func New(st Store, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	q := &Queue{
		store:        st,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		claimed:      telemetry.Counter("warden.queue.claims", "Tasks claimed by workers"),
		deadLettered: telemetry.Counter("warden.queue.dead_lettered", "Tasks moved to dead_letter"),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Config returns the active configuration.
func (q *Queue) Config() Config { return q.cfg }

// Backoff is the delay before retrying after the given number of attempts:
// BackoffBase * 2^attempts, capped at BackoffMax.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	mult := math.Pow(2, float64(attempts))
	d := time.Duration(float64(q.cfg.BackoffBase) * mult)
	if d <= 0 || d > q.cfg.BackoffMax || math.IsInf(mult, 0) {
		return q.cfg.BackoffMax
	}
	return d
}

// ── Enqueue ─────────────────────────────────────────────────

// EnqueueRequest describes a new task.
type EnqueueRequest struct {
	TaskType       string                 `json:"task_type" validate:"required,max=128"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty" validate:"max=256"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	MaxAttempts    int                    `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
}

// Enqueue creates a queued task. A repeated idempotency key returns the
// existing task with existed=true and notifies nobody.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*models.WorkerTask, bool, error) {
	if req.TaskType == "" {
		return nil, false, errors.New("task_type is required")
	}
	task := &models.WorkerTask{
		ID:             uuid.New().String(),
		TaskType:       req.TaskType,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        req.Payload,
		Status:         models.TaskQueued,
		MaxAttempts:    req.MaxAttempts,
		CreatedAt:      q.now(),
	}
	if task.IdempotencyKey == "" {
		task.IdempotencyKey = task.ID
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.cfg.MaxAttempts
	}

	stored, existed, err := q.store.CreateTask(ctx, task)
	if err != nil {
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	if existed {
		log.Debug().Str("task_id", stored.ID).Str("idempotency_key", stored.IdempotencyKey).Msg("Duplicate enqueue, returning existing task")
		return stored, true, nil
	}
	log.Info().Str("task_id", stored.ID).Str("task_type", stored.TaskType).Int("max_attempts", stored.MaxAttempts).Msg("Task enqueued")
	q.notify(ctx, stored)
	return stored, false, nil
}

func (q *Queue) notify(ctx context.Context, t *models.WorkerTask) {
	for _, n := range q.notifiers {
		if err := n.NotifyTask(ctx, t); err != nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("Task notification failed")
		}
	}
}

// ── Claim ───────────────────────────────────────────────────

// Claim hands the oldest eligible queued task to workerID. taskTypes
// restricts which types the worker accepts; empty means any.
func (q *Queue) Claim(ctx context.Context, workerID string, taskTypes []string) (*models.WorkerTask, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	if workerID == "" {
		return nil, errors.New("worker_id is required")
	}
	task, err := q.store.ClaimTask(ctx, store.ClaimRequest{WorkerID: workerID, TaskTypes: taskTypes, Now: q.now()})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return nil, ErrNoTask
	}
	q.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", task.TaskType)))
	span.SetAttributes(attribute.String("task.id", task.ID), attribute.Int("task.attempts", task.Attempts))
	log.Info().Str("task_id", task.ID).Str("worker_id", workerID).Int("attempt", task.Attempts).Msg("Task claimed")
	return task, nil
}

// Start marks a claimed task as running.
func (q *Queue) Start(ctx context.Context, taskID, workerID string) (*models.WorkerTask, error) {
	return q.store.UpdateTaskFunc(ctx, taskID, func(t *models.WorkerTask) error {
		if !t.Status.Active() {
			return ErrNotActive
		}
		if t.WorkerID != workerID {
			return ErrNotClaimant
		}
		now := q.now()
		t.Status = models.TaskRunning
		t.StartedAt = &now
		return nil
	})
}

// ── Results ─────────────────────────────────────────────────

// SubmitRequest is a worker's report.
type SubmitRequest struct {
	TaskID         string                 `json:"task_id" validate:"required"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"required,max=256"`
	WorkerID       string                 `json:"worker_id" validate:"required"`
	Payload        map[string]interface{} `json:"payload"`
}

// SubmitOutcome is what SubmitResult did.
type SubmitOutcome struct {
	Result    *models.WorkerResult    `json:"result"`
	Task      *models.WorkerTask      `json:"task"`
	Duplicate bool                    `json:"duplicate"`
	Alert     *models.DeadLetterAlert `json:"alert,omitempty"`
}

// SubmitResult records a result. A repeat of (task_id, idempotency_key)
// returns the stored row and changes nothing. A payload without
// success=true is a failure.
func (q *Queue) SubmitResult(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "queue.SubmitResult")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", req.TaskID), attribute.String("worker.id", req.WorkerID))

	if req.TaskID == "" || req.IdempotencyKey == "" {
		return nil, errors.New("task_id and idempotency_key are required")
	}
	result := &models.WorkerResult{
		ID:             uuid.New().String(),
		TaskID:         req.TaskID,
		IdempotencyKey: req.IdempotencyKey,
		WorkerID:       req.WorkerID,
		Payload:        req.Payload,
		ReceivedAt:     q.now(),
	}
	if result.Payload == nil {
		result.Payload = map[string]interface{}{}
	}

	stored, task, dup, err := q.store.RecordResult(ctx, result, func(t *models.WorkerTask) error {
		if !t.Status.Active() {
			return ErrNotActive
		}
		if req.WorkerID != "" && t.WorkerID != req.WorkerID {
			return ErrNotClaimant
		}
		if result.Succeeded() {
			now := q.now()
			t.Status = models.TaskDone
			t.CompletedAt = &now
			t.Error = ""
			return nil
		}
		q.fail(t, result.FailureReason())
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := &SubmitOutcome{Result: stored, Task: task, Duplicate: dup}
	if dup {
		log.Info().Str("task_id", req.TaskID).Str("idempotency_key", req.IdempotencyKey).Msg("Duplicate result ignored")
		return out, nil
	}
	span.SetAttributes(attribute.String("task.status", string(task.Status)))
	out.Alert = q.afterTransition(ctx, task)
	return out, nil
}

// fail applies a failed attempt: requeue with backoff while attempts
// remain, otherwise dead-letter.
func (q *Queue) fail(t *models.WorkerTask, reason string) {
	now := q.now()
	t.Error = reason
	if t.Attempts >= t.MaxAttempts {
		t.Status = models.TaskDeadLetter
		t.CompletedAt = &now
		t.NextRetryAt = nil
		return
	}
	next := now.Add(q.Backoff(t.Attempts))
	t.Status = models.TaskQueued
	t.NextRetryAt = &next
	t.WorkerID = ""
	t.ClaimedAt = nil
	t.StartedAt = nil
}

// afterTransition logs the new state and emits the dead-letter alert.
func (q *Queue) afterTransition(ctx context.Context, t *models.WorkerTask) *models.DeadLetterAlert {
	switch t.Status {
	case models.TaskDone:
		log.Info().Str("task_id", t.ID).Int("attempts", t.Attempts).Msg("Task completed")
	case models.TaskQueued:
		log.Warn().Str("task_id", t.ID).Int("attempts", t.Attempts).Time("next_retry_at", *t.NextRetryAt).
			Str("reason", t.Error).Msg("Task failed, requeued with backoff")
		q.notify(ctx, t)
	case models.TaskDeadLetter:
		return q.deadLetter(ctx, t)
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, t *models.WorkerTask) *models.DeadLetterAlert {
	alert := &models.DeadLetterAlert{
		TaskID:   t.ID,
		WorkerID: t.WorkerID,
		TaskType: t.TaskType,
		Attempts: t.Attempts,
		Reason:   t.Error,
		Severity: notify.SeverityHigh,
		At:       q.now(),
	}
	log.Error().
		Str("alert", "dead_letter").
		Str("severity", alert.Severity).
		Str("task_id", alert.TaskID).
		Str("worker_id", alert.WorkerID).
		Str("task_type", alert.TaskType).
		Int("attempts", alert.Attempts).
		Str("reason", alert.Reason).
		Msg("💀 Task dead-lettered")
	q.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("task_type", t.TaskType)))

	if q.alerter != nil {
		q.alerter.Dispatch(ctx, notify.NewEvent(notify.EventDeadLetter, alert.Severity,
			"task "+t.ID, fmt.Sprintf("Task %s (%s) dead-lettered after %d attempts: %s", t.ID, t.TaskType, t.Attempts, t.Error),
			map[string]interface{}{
				"task_id":   alert.TaskID,
				"worker_id": alert.WorkerID,
				"task_type": alert.TaskType,
				"attempts":  alert.Attempts,
				"reason":    alert.Reason,
			}))
	}
	return alert
}

// RequeueWithBackoff records a failed attempt without a result, for a
// worker that gave up or a claim that went stale.
func (q *Queue) RequeueWithBackoff(ctx context.Context, taskID, reason string) (*models.WorkerTask, error) {
	task, err := q.store.UpdateTaskFunc(ctx, taskID, func(t *models.WorkerTask) error {
		if !t.Status.Active() {
			return ErrNotActive
		}
		q.fail(t, reason)
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.afterTransition(ctx, task)
	return task, nil
}

// ── Dead letters ────────────────────────────────────────────

// ListDeadLetters returns dead-lettered tasks, oldest first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]models.WorkerTask, error) {
	return q.store.ListTasks(ctx, store.TaskFilter{Status: models.TaskDeadLetter, Limit: limit})
}

// RetryDeadLetter is the manual intervention path: it resets attempts and
// puts the task back in the queue.
func (q *Queue) RetryDeadLetter(ctx context.Context, taskID string) (*models.WorkerTask, error) {
	task, err := q.store.UpdateTaskFunc(ctx, taskID, func(t *models.WorkerTask) error {
		if t.Status != models.TaskDeadLetter {
			return ErrNotDeadLettered
		}
		t.Status = models.TaskQueued
		t.Attempts = 0
		t.WorkerID = ""
		t.NextRetryAt = nil
		t.ClaimedAt = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		t.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("task_id", taskID).Msg("Dead-lettered task requeued manually")
	q.notify(ctx, task)
	return task, nil
}

// Get returns one task.
func (q *Queue) Get(ctx context.Context, id string) (*models.WorkerTask, error) {
	return q.store.GetTask(ctx, id)
}

// List returns tasks matching filter.
func (q *Queue) List(ctx context.Context, filter store.TaskFilter) ([]models.WorkerTask, error) {
	return q.store.ListTasks(ctx, filter)
}
