package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

// SkillRunner is the execution surface the loop drives. *skills.Runner satisfies it.
type SkillRunner interface {
	Create(ctx context.Context, req skills.CreateRequest) (*models.SkillExecution, error)
	Execute(ctx context.Context, id string) (*models.SkillExecution, error)
	Get(ctx context.Context, id string) (*models.SkillExecution, error)
}

// Enqueuer hands approved executions to the worker queue. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.WorkerTask, bool, error)
}

// Reclaimer requeues tasks held by dead workers. *queue.Queue satisfies it.
type Reclaimer interface {
	ReclaimStale(ctx context.Context) (int, error)
}

// TickReport is what one tick did.
type TickReport struct {
	Reclaimed  int      `json:"reclaimed"`
	Incidents  int      `json:"incidents"`
	Created    []string `json:"created"`
	Executed   []string `json:"executed"`
	Dispatched []string `json:"dispatched"`
	Suppressed int      `json:"suppressed"`
	Errors     []string `json:"errors,omitempty"`
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithDispatch sends approved executions to q instead of running them in
// the tick.
func WithDispatch(q Enqueuer) LoopOption {
	return func(l *Loop) { l.dispatch = q }
}

// WithReclaimer runs r.ReclaimStale at the start of every tick.
func WithReclaimer(r Reclaimer) LoopOption {
	return func(l *Loop) { l.reclaimer = r }
}

// Loop is the periodic detect, plan and execute cycle.
type Loop struct {
	detector  Detector
	planner   Planner
	runner    SkillRunner
	dispatch  Enqueuer
	reclaimer Reclaimer
	interval  time.Duration

	mu      sync.Mutex
	open    map[string][]string // incident key -> execution ids still in flight
	running bool
	stopCh  chan struct{}
}

// NewLoop creates a loop ticking every interval.
func NewLoop(d Detector, p Planner, r SkillRunner, interval time.Duration, opts ...LoopOption) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	l := &Loop{
		detector: d,
		planner:  p,
		runner:   r,
		interval: interval,
		open:     make(map[string][]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start begins ticking in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.mu.Unlock()

	log.Info().Dur("interval", l.interval).Bool("dispatch", l.dispatch != nil).Msg("Control-plane loop started")
	go l.run(ctx)
}

// Stop ends the loop after the current tick.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.stopCh)
	log.Info().Msg("Control-plane loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Tick(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one detect, plan and execute pass. Incidents that already have
// executions in flight from an earlier tick are suppressed.
func (l *Loop) Tick(ctx context.Context) *TickReport {
	ctx, span := telemetry.Tracer().Start(ctx, "controlplane.Tick")
	defer span.End()

	rep := &TickReport{Created: []string{}, Executed: []string{}, Dispatched: []string{}}
	if l.reclaimer != nil {
		n, err := l.reclaimer.ReclaimStale(ctx)
		if err != nil {
			rep.Errors = append(rep.Errors, "reclaim: "+err.Error())
		}
		rep.Reclaimed = n
	}

	incidents, err := l.detector.Detect(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, "detect: "+err.Error())
		log.Warn().Err(err).Msg("Detection failed")
	}
	rep.Incidents = len(incidents)
	span.SetAttributes(attribute.Int("controlplane.incidents", len(incidents)))

	for _, inc := range incidents {
		if l.inFlight(ctx, inc.Key()) {
			rep.Suppressed++
			continue
		}
		log.Info().Str("incident", inc.ID).Str("kind", string(inc.Kind)).Str("target", inc.Target).
			Msg("Incident detected")

		var ids []string
		for _, step := range l.planner.Plan(inc) {
			exec, err := l.runner.Create(ctx, skills.CreateRequest{
				SkillID:      step.SkillID,
				Target:       step.Target,
				Parameters:   step.Parameters,
				SkipApproval: true,
				RequestedBy:  "controlplane",
			})
			if err != nil {
				rep.Errors = append(rep.Errors, fmt.Sprintf("create %s: %v", step.SkillID, err))
				log.Warn().Err(err).Str("skill", step.SkillID).Str("target", step.Target).Msg("Plan step rejected")
				continue
			}
			ids = append(ids, exec.ID)
			rep.Created = append(rep.Created, exec.ID)

			if exec.Status != models.ExecApproved {
				continue
			}
			l.advance(ctx, exec, rep)
		}
		if len(ids) > 0 {
			l.mu.Lock()
			l.open[inc.Key()] = ids
			l.mu.Unlock()
		}
	}

	if len(rep.Created) > 0 || len(rep.Errors) > 0 {
		log.Info().
			Int("incidents", rep.Incidents).
			Int("created", len(rep.Created)).
			Int("executed", len(rep.Executed)).
			Int("dispatched", len(rep.Dispatched)).
			Int("suppressed", rep.Suppressed).
			Int("errors", len(rep.Errors)).
			Msg("Control-plane tick complete")
	}
	return rep
}

// advance runs or dispatches an execution the runner already approved.
func (l *Loop) advance(ctx context.Context, exec *models.SkillExecution, rep *TickReport) {
	if l.dispatch != nil {
		_, _, err := l.dispatch.Enqueue(ctx, queue.EnqueueRequest{
			TaskType:       SkillTaskType,
			IdempotencyKey: "exec:" + exec.ID,
			Payload:        map[string]interface{}{"execution_id": exec.ID},
		})
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("dispatch %s: %v", exec.ID, err))
			return
		}
		rep.Dispatched = append(rep.Dispatched, exec.ID)
		return
	}

	done, err := l.runner.Execute(ctx, exec.ID)
	rep.Executed = append(rep.Executed, exec.ID)
	if err != nil {
		status := ""
		if done != nil {
			status = string(done.Status)
		}
		rep.Errors = append(rep.Errors, fmt.Sprintf("execute %s: %v", exec.ID, err))
		log.Warn().Err(err).Str("execution_id", exec.ID).Str("status", status).Msg("Planned execution did not complete")
	}
}

// inFlight reports whether any execution created for key is still
// non-terminal, pruning the key once all are done.
func (l *Loop) inFlight(ctx context.Context, key string) bool {
	l.mu.Lock()
	ids := l.open[key]
	l.mu.Unlock()
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		exec, err := l.runner.Get(ctx, id)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return true
		}
		if !exec.Status.IsTerminal() {
			return true
		}
	}
	l.mu.Lock()
	delete(l.open, key)
	l.mu.Unlock()
	return false
}
