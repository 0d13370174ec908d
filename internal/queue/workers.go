package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// HeartbeatRequest is a worker check-in. Site and capabilities replace the
// stored values when non-empty.
type HeartbeatRequest struct {
	WorkerID     string   `json:"worker_id" validate:"required,max=128"`
	Site         string   `json:"site,omitempty" validate:"max=128"`
	Capabilities []string `json:"capabilities,omitempty" validate:"max=32,dive,max=64"`
}

// Heartbeat registers an unknown worker or refreshes a known one.
func (q *Queue) Heartbeat(ctx context.Context, req HeartbeatRequest) (*models.Worker, error) {
	if req.WorkerID == "" {
		return nil, errors.New("worker_id is required")
	}
	now := q.now()
	w, err := q.store.GetWorker(ctx, req.WorkerID)
	switch {
	case store.IsNotFound(err):
		w = &models.Worker{ID: req.WorkerID, RegisteredAt: now}
		log.Info().Str("worker_id", req.WorkerID).Str("site", req.Site).Msg("Worker registered")
	case err != nil:
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if req.Site != "" {
		w.Site = req.Site
	}
	if len(req.Capabilities) > 0 {
		w.Capabilities = append([]string(nil), req.Capabilities...)
	}
	w.LastHeartbeat = now
	w.Healthy = true
	if err := q.store.UpsertWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("upsert worker: %w", err)
	}
	return w, nil
}

// RegisterWorker is Heartbeat under the name workers call on startup.
func (q *Queue) RegisterWorker(ctx context.Context, req HeartbeatRequest) (*models.Worker, error) {
	return q.Heartbeat(ctx, req)
}

// ListWorkers returns all workers with Healthy computed against StaleAfter.
func (q *Queue) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	ws, err := q.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := q.now()
	for i := range ws {
		ws[i].Healthy = now.Sub(ws[i].LastHeartbeat) <= q.cfg.StaleAfter
	}
	return ws, nil
}

// ReclaimStale requeues claimed or running tasks whose worker has not been
// heard from within StaleAfter. Each reclaim counts as a failed attempt, so
// a task that keeps landing on dying workers ends in dead_letter.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	tasks, err := q.store.ListTasks(ctx, store.TaskFilter{
		Statuses: []models.TaskStatus{models.TaskClaimed, models.TaskRunning},
		Limit:    1000,
	})
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	now := q.now()
	seen := make(map[string]*models.Worker)
	reclaimed := 0
	for i := range tasks {
		t := &tasks[i]
		lastSeen := t.CreatedAt
		if t.ClaimedAt != nil {
			lastSeen = *t.ClaimedAt
		}
		w, ok := seen[t.WorkerID]
		if !ok {
			w, err = q.store.GetWorker(ctx, t.WorkerID)
			if err != nil && !store.IsNotFound(err) {
				return reclaimed, fmt.Errorf("get worker %s: %w", t.WorkerID, err)
			}
			seen[t.WorkerID] = w
		}
		if w != nil && w.LastHeartbeat.After(lastSeen) {
			lastSeen = w.LastHeartbeat
		}
		if now.Sub(lastSeen) <= q.cfg.StaleAfter {
			continue
		}

		_, err := q.RequeueWithBackoff(ctx, t.ID, fmt.Sprintf("worker %s stale since %s", t.WorkerID, lastSeen.Format("2006-01-02T15:04:05Z")))
		if errors.Is(err, ErrNotActive) {
			continue // finished between list and update
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		log.Warn().Int("reclaimed", reclaimed).Msg("Reclaimed tasks from stale workers")
	}
	return reclaimed, nil
}
