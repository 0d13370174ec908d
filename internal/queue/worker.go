package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Handler runs one task and returns the result payload. A nil error with a
// payload lacking success=true still counts as a failed attempt.
type Handler func(ctx context.Context, task *models.WorkerTask) (map[string]interface{}, error)

// WorkerConfig configures an in-process Worker.
type WorkerConfig struct {
	ID           string
	Site         string
	PollInterval time.Duration
	// Handlers maps task type to handler. Only these types are claimed.
	Handlers map[string]Handler
	// Wake, when set, triggers a claim round immediately (see WatermillNotifier.Wake).
	Wake <-chan struct{}
}

// Worker is an in-process site worker: it heartbeats, claims tasks it has a
// handler for, runs them and reports results through the same queue API a
// remote worker would use.
type Worker struct {
	q   *Queue
	cfg WorkerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewWorker creates a worker bound to q.
func NewWorker(q *Queue, cfg WorkerConfig) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("worker needs at least one handler")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{q: q, cfg: cfg}, nil
}

func (w *Worker) taskTypes() []string {
	types := make([]string, 0, len(w.cfg.Handlers))
	for t := range w.cfg.Handlers {
		types = append(types, t)
	}
	return types
}

// Start registers the worker and begins the claim loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.mu.Unlock()

	if _, err := w.q.RegisterWorker(ctx, HeartbeatRequest{WorkerID: w.cfg.ID, Site: w.cfg.Site, Capabilities: w.taskTypes()}); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return fmt.Errorf("register worker: %w", err)
	}
	log.Info().Str("worker_id", w.cfg.ID).Dur("poll", w.cfg.PollInterval).Strs("task_types", w.taskTypes()).Msg("Worker started")

	go w.loop(ctx)
	return nil
}

// Stop ends the loop and waits for the in-flight task to be reported.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	done := w.done
	w.mu.Unlock()
	<-done
	log.Info().Str("worker_id", w.cfg.ID).Msg("Worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.drain(ctx)
	for {
		select {
		case <-ticker.C:
			w.heartbeat(ctx)
			w.drain(ctx)
		case _, ok := <-w.cfg.Wake:
			if !ok {
				w.cfg.Wake = nil
				continue
			}
			w.drain(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	if _, err := w.q.Heartbeat(ctx, HeartbeatRequest{WorkerID: w.cfg.ID}); err != nil {
		log.Warn().Err(err).Str("worker_id", w.cfg.ID).Msg("Heartbeat failed")
	}
}

// drain claims and runs tasks until none is eligible.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		ran, err := w.RunOnce(ctx)
		if err != nil {
			log.Warn().Err(err).Str("worker_id", w.cfg.ID).Msg("Worker round failed")
			return
		}
		if !ran {
			return
		}
	}
}

// RunOnce claims at most one task, runs it and submits the result. It
// reports whether a task was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.q.Claim(ctx, w.cfg.ID, w.taskTypes())
	if errors.Is(err, ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := w.q.Start(ctx, task.ID, w.cfg.ID); err != nil {
		return true, fmt.Errorf("start task %s: %w", task.ID, err)
	}

	payload, runErr := w.run(ctx, task)
	if runErr != nil {
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["success"] = false
		payload["error"] = runErr.Error()
	}

	_, err = w.q.SubmitResult(ctx, SubmitRequest{
		TaskID:         task.ID,
		IdempotencyKey: fmt.Sprintf("%s:%d", task.ID, task.Attempts),
		WorkerID:       w.cfg.ID,
		Payload:        payload,
	})
	if err != nil {
		return true, fmt.Errorf("submit result for %s: %w", task.ID, err)
	}
	return true, nil
}

func (w *Worker) run(ctx context.Context, task *models.WorkerTask) (payload map[string]interface{}, err error) {
	h, ok := w.cfg.Handlers[task.TaskType]
	if !ok {
		return nil, fmt.Errorf("no handler for task type %q", task.TaskType)
	}
	defer func() {
		if r := recover(); r != nil {
			payload, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, task)
}
