package skills

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/notify"
	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/internal/process"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// auditLogLines is how many trailing execution log lines go into the audit entry.
const auditLogLines = 20

// PolicyEvaluator authorizes a skill run. *policy.Provider satisfies it.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, skillID string, targetType models.TargetType, targetID string, params map[string]interface{}) policy.Decision
}

// ActionRunner performs an adapter call. *process.Manager satisfies it.
type ActionRunner interface {
	Run(ctx context.Context, call process.Call) (map[string]interface{}, error)
}

// Auditor records terminal outcomes. *audit.Chain satisfies it.
type Auditor interface {
	Append(ctx context.Context, a audit.Action) (*models.AuditEntry, error)
}

// Alerter receives escalation events. *notify.Service satisfies it.
type Alerter interface {
	Dispatch(ctx context.Context, event notify.Event) []notify.Result
}

// Options tunes a Runner. Zero values take defaults.
type Options struct {
	// Timeout is the per-attempt hard timeout when the skill sets none.
	Timeout time.Duration
	// RetryDelay is the fixed pause before the single retry.
	RetryDelay time.Duration
	// LogLimit caps SkillExecution.Logs.
	LogLimit int
	Judge    Judge
	Alerter  Alerter
	Clock    func() time.Time
}

// CreateRequest asks for a new execution.
type CreateRequest struct {
	SkillID      string                 `json:"skill_id" validate:"required"`
	Target       string                 `json:"target" validate:"required"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	SkipApproval bool                   `json:"skip_approval"`
	RequestedBy  string                 `json:"requested_by,omitempty"`
}

// Runner drives SkillExecutions through their state machine.
//
// Execution state is owned by this process: the per-id locks below
// serialize Approve, Reject and Execute for one id, but a second process
// sharing the store would need a distributed lock on top.
type Runner struct {
	catalog *Catalog
	policy  PolicyEvaluator
	actions ActionRunner
	auditor Auditor
	store   store.ExecutionStore
	opts    Options

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	executions metric.Int64Counter
}

// NewRunner wires a runner. A nil Judge uses the default rule set.
func NewRunner(catalog *Catalog, pol PolicyEvaluator, actions ActionRunner, auditor Auditor, st store.ExecutionStore, opts Options) (*Runner, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = process.DefaultTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.LogLimit <= 0 {
		opts.LogLimit = 200
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Judge == nil {
		j, err := NewRuleJudge(DefaultJudgeRules())
		if err != nil {
			return nil, fmt.Errorf("compile default judge rules: %w", err)
		}
		opts.Judge = j
	}
	return &Runner{
		catalog:    catalog,
		policy:     pol,
		actions:    actions,
		auditor:    auditor,
		store:      st,
		opts:       opts,
		locks:      make(map[string]*sync.Mutex),
		executions: telemetry.Counter("warden.skill.executions", "Skill executions by terminal status"),
	}, nil
}

// Catalog returns the skill catalog the runner executes from.
func (r *Runner) Catalog() *Catalog { return r.catalog }

func (r *Runner) lock(id string) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[id] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// ── Create / Approve / Reject ───────────────────────────────

// Create validates req and stores a new execution. Only a low-risk skill
// without requires_confirmation, requested with skip_approval, starts
// approved; everything else starts pending_approval.
func (r *Runner) Create(ctx context.Context, req CreateRequest) (*models.SkillExecution, error) {
	skill, ok := r.catalog.Get(req.SkillID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSkill, req.SkillID)
	}
	target, err := ParseTarget(req.Target)
	if err != nil {
		return nil, err
	}
	if target.Scheme != skill.TargetScheme {
		return nil, &ValidationError{Field: "target", Reason: fmt.Sprintf("skill %s expects a %s target", skill.ID, skill.TargetScheme)}
	}
	if missing := MissingParams(skill.RequiredParams, req.Parameters); len(missing) > 0 {
		return nil, &ValidationError{Field: "parameters", Reason: "missing required " + strings.Join(missing, ", ")}
	}
	params, err := SanitizeParams(req.Parameters)
	if err != nil {
		return nil, err
	}

	now := r.opts.Clock()
	exec := &models.SkillExecution{
		ID:          uuid.New().String(),
		SkillID:     skill.ID,
		SkillHash:   ContentHash(skill),
		Risk:        skill.Risk,
		Target:      target.String(),
		Parameters:  params,
		Status:      models.ExecPendingApproval,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Logs:        []string{},
	}
	if autoApprovable(skill) && req.SkipApproval {
		exec.Status = models.ExecApproved
		exec.ApprovedAt = &now
		exec.ApprovedBy = "auto"
		exec.AppendLog(r.opts.LogLimit, "auto-approved: low risk, no confirmation required")
	} else {
		if req.SkipApproval {
			exec.AppendLog(r.opts.LogLimit, "skip_approval ignored for %s risk skill", skill.Risk)
		}
		exec.AppendLog(r.opts.LogLimit, "awaiting approval")
	}

	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("store execution: %w", err)
	}
	log.Info().Str("execution_id", exec.ID).Str("skill", skill.ID).Str("target", exec.Target).
		Str("status", string(exec.Status)).Msg("Skill execution created")
	return exec, nil
}

// autoApprovable is the two-flag gate for skipping human approval.
func autoApprovable(s *models.Skill) bool {
	switch s.Risk {
	case models.RiskLow:
		return !s.RequiresConfirmation
	case models.RiskMedium, models.RiskHigh:
		return false
	}
	return false
}

// Get returns a stored execution.
func (r *Runner) Get(ctx context.Context, id string) (*models.SkillExecution, error) {
	return r.store.GetExecution(ctx, id)
}

// List returns stored executions.
func (r *Runner) List(ctx context.Context, filter store.ExecutionFilter) ([]models.SkillExecution, error) {
	return r.store.ListExecutions(ctx, filter)
}

// Approve moves a pending_approval execution to approved.
func (r *Runner) Approve(ctx context.Context, id, by string) (*models.SkillExecution, error) {
	if strings.TrimSpace(by) == "" {
		return nil, &ValidationError{Field: "approved_by", Reason: "approver id is required"}
	}
	unlock := r.lock(id)
	defer unlock()

	exec, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.Status != models.ExecPendingApproval {
		return exec, &TransitionError{Op: "approve", Status: exec.Status}
	}
	now := r.opts.Clock()
	exec.Status = models.ExecApproved
	exec.ApprovedAt = &now
	exec.ApprovedBy = by
	exec.UpdatedAt = now
	exec.AppendLog(r.opts.LogLimit, "approved by %s", by)
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	log.Info().Str("execution_id", id).Str("approved_by", by).Msg("Skill execution approved")
	return exec, nil
}

// Reject cancels a pending_approval execution and records it in the audit
// chain. Rejecting an already rejected execution is a no-op.
func (r *Runner) Reject(ctx context.Context, id, by, reason string) (*models.SkillExecution, error) {
	unlock := r.lock(id)
	defer unlock()

	exec, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case models.ExecRejected:
		log.Info().Str("execution_id", id).Str("rejected_by", by).Msg("Execution already rejected, ignoring")
		return exec, nil
	case models.ExecPendingApproval:
	default:
		return exec, &TransitionError{Op: "reject", Status: exec.Status}
	}

	now := r.opts.Clock()
	exec.Status = models.ExecRejected
	exec.RejectedAt = &now
	exec.RejectedBy = by
	exec.RejectionReason = reason
	exec.UpdatedAt = now
	exec.AppendLog(r.opts.LogLimit, "rejected by %s: %s", by, reason)

	entry, err := r.auditor.Append(ctx, audit.Action{
		ActionTemplate: exec.SkillID,
		TargetResource: exec.Target,
		Parameters: map[string]interface{}{
			"execution_id": exec.ID,
			"skill_hash":   exec.SkillHash,
			"rejected_by":  by,
			"reason":       reason,
		},
		Status:      string(models.ExecRejected),
		RequestedAt: exec.CreatedAt,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("audit rejection: %w", err)
	}
	exec.ActionHistoryID = entry.ID
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	log.Info().Str("execution_id", id).Str("rejected_by", by).Int64("audit_seq", entry.SequenceNum).Msg("Skill execution rejected")
	return exec, nil
}

// ── Execute ─────────────────────────────────────────────────

// Execute runs an approved execution to a terminal state. The returned
// execution is non-nil whenever it was loaded; err explains any outcome
// other than completed.
//
// A started execution runs to completion even if ctx is cancelled: only the
// per-call skill timeout bounds an attempt, and the terminal audit entry is
// always written.
func (r *Runner) Execute(ctx context.Context, id string) (*models.SkillExecution, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.Tracer().Start(ctx, "skills.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("execution.id", id))

	unlock := r.lock(id)
	defer unlock()

	exec, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case models.ExecPendingApproval:
		return exec, ErrApprovalRequired
	case models.ExecApproved, models.ExecRetrying:
	default:
		return exec, &TransitionError{Op: "execute", Status: exec.Status}
	}
	span.SetAttributes(attribute.String("skill.id", exec.SkillID), attribute.String("execution.target", exec.Target))

	err = r.execute(ctx, exec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("execution.status", string(exec.Status)))
	return exec, err
}

func (r *Runner) execute(ctx context.Context, exec *models.SkillExecution) error {
	skill, ok := r.catalog.Get(exec.SkillID)
	if !ok {
		cause := fmt.Errorf("%w: %s", ErrUnknownSkill, exec.SkillID)
		return r.finish(ctx, exec, nil, models.ExecFailed, cause.Error(), cause)
	}
	if hash := ContentHash(skill); hash != exec.SkillHash {
		cause := &ValidationError{Field: "skill", Reason: "definition changed since the execution was created"}
		return r.finish(ctx, exec, skill, models.ExecFailed, cause.Error(), cause)
	}
	target, err := ParseTarget(exec.Target)
	if err != nil {
		return r.finish(ctx, exec, skill, models.ExecFailed, err.Error(), err)
	}

	// Mode or allowlists may have changed since approval.
	decision := r.policy.Evaluate(ctx, skill.ID, target.Type, target.PolicyID(), exec.Parameters)
	if !decision.Allowed {
		exec.AppendLog(r.opts.LogLimit, "policy blocked: %s", decision.PrimaryReason())
		exec.Result = map[string]interface{}{"policy": decision}
		return r.finish(ctx, exec, skill, models.ExecFailed, decision.PrimaryReason(), &PolicyViolationError{Decision: decision})
	}
	for _, f := range decision.Findings {
		exec.AppendLog(r.opts.LogLimit, "policy %s: %s", f.Level, f.Message)
	}

	timeout := r.opts.Timeout
	if skill.TimeoutSeconds > 0 {
		timeout = time.Duration(skill.TimeoutSeconds) * time.Second
	}
	rendered, err := RenderTemplate(skill.ActionTemplate, templateData(target, timeout, exec.Parameters))
	if err != nil {
		exec.AppendLog(r.opts.LogLimit, "template rejected: %v", err)
		return r.finish(ctx, exec, skill, models.ExecFailed, err.Error(), err)
	}

	now := r.opts.Clock()
	exec.Status = models.ExecExecuting
	exec.StartedAt = &now
	exec.UpdatedAt = now
	exec.AppendLog(r.opts.LogLimit, "executing: %s", rendered)
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	call := process.Call{
		Action:   skill.Action,
		Scheme:   target.Scheme,
		Ref:      target.ID,
		Timeout:  timeout,
		Params:   exec.Parameters,
		Rendered: rendered,
	}
	result, runErr := r.runWithRetry(ctx, exec, call)
	if runErr != nil {
		reason := fmt.Sprintf("failed after %d attempts: %v", exec.RetryCount+1, runErr)
		return r.finish(ctx, exec, skill, models.ExecEscalated, reason, runErr)
	}
	exec.Result = result
	exec.AppendLog(r.opts.LogLimit, "adapter reported success")

	if skill.Risk == models.RiskHigh {
		exec.Status = models.ExecPendingAudit
		exec.UpdatedAt = r.opts.Clock()
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		verdict := r.opts.Judge.Review(ctx, exec, skill)
		exec.AuditResult = &verdict
		exec.AppendLog(r.opts.LogLimit, "judge verdict: approved=%t confidence=%.2f %s", verdict.Approved, verdict.Confidence, verdict.Reason)
		if !verdict.Approved {
			return r.finish(ctx, exec, skill, models.ExecEscalated, "judge: "+verdict.Reason, nil)
		}
	}
	return r.finish(ctx, exec, skill, models.ExecCompleted, "", nil)
}

// runWithRetry makes one attempt plus whatever remains of the MaxRetries
// budget after a fixed delay. An execution resumed in retrying status has
// already spent its retry.
func (r *Runner) runWithRetry(ctx context.Context, exec *models.SkillExecution, call process.Call) (map[string]interface{}, error) {
	var result map[string]interface{}
	attempt := exec.RetryCount
	retries := models.MaxRetries - exec.RetryCount
	if retries < 0 {
		retries = 0
	}
	op := func() error {
		attempt++
		res, err := r.actions.Run(ctx, call)
		if err != nil {
			exec.AppendLog(r.opts.LogLimit, "attempt %d failed: %v", attempt, err)
			return &ExecutionError{Attempt: attempt, Err: err}
		}
		result = res
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.opts.RetryDelay), uint64(retries)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		exec.Status = models.ExecRetrying
		exec.RetryCount++
		exec.UpdatedAt = r.opts.Clock()
		exec.AppendLog(r.opts.LogLimit, "retrying in %s", d)
		if uerr := r.store.UpdateExecution(ctx, exec); uerr != nil {
			log.Warn().Err(uerr).Str("execution_id", exec.ID).Msg("Failed to persist retrying status")
		}
		log.Warn().Err(err).Str("execution_id", exec.ID).Dur("retry_in", d).Msg("Skill attempt failed, retrying")
	})
	var execErr *ExecutionError
	if err != nil && !errors.As(err, &execErr) {
		err = &ExecutionError{Attempt: attempt, Err: err}
	}
	return result, err
}

// templateData is the render context: the sanitized parameters plus the
// target fields every template may use.
func templateData(t Target, timeout time.Duration, params map[string]interface{}) map[string]interface{} {
	data := make(map[string]interface{}, len(params)+5)
	for k, v := range params {
		data[k] = v
	}
	data["target"] = t.ID
	data["timeout"] = strconv.Itoa(int(timeout / time.Second))
	data["node"] = t.Node
	data["vmid"] = t.VMID
	if _, ok := data["window"]; !ok {
		data["window"] = "15m"
	}
	return data
}

// finish stamps a terminal status, appends the audit entry and persists.
// cause is returned to the caller unchanged unless recording fails.
func (r *Runner) finish(ctx context.Context, exec *models.SkillExecution, skill *models.Skill, status models.ExecutionStatus, reason string, cause error) error {
	now := r.opts.Clock()
	exec.Status = status
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if status == models.ExecEscalated || status == models.ExecFailed {
		exec.EscalationReason = reason
	}
	exec.AppendLog(r.opts.LogLimit, "finished: %s", status)

	entry, err := r.auditor.Append(ctx, r.auditAction(exec, skill, now))
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to record execution in audit chain")
		if uerr := r.store.UpdateExecution(ctx, exec); uerr != nil {
			log.Error().Err(uerr).Str("execution_id", exec.ID).Msg("Failed to persist execution")
		}
		return fmt.Errorf("audit execution %s: %w", exec.ID, err)
	}
	exec.ActionHistoryID = entry.ID
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	r.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status)),
		attribute.String("risk", string(exec.Risk)),
	))
	ev := log.Info()
	if status != models.ExecCompleted {
		ev = log.Warn().Str("reason", reason)
	}
	ev.Str("execution_id", exec.ID).Str("skill", exec.SkillID).Str("status", string(status)).
		Int("retry_count", exec.RetryCount).Int64("audit_seq", entry.SequenceNum).Msg("Skill execution finished")

	if status == models.ExecEscalated && r.opts.Alerter != nil {
		r.opts.Alerter.Dispatch(ctx, notify.NewEvent(notify.EventExecutionEscalated, notify.SeverityMedium,
			"execution "+exec.ID, "Skill execution escalated for human review: "+reason,
			map[string]interface{}{
				"execution_id": exec.ID,
				"skill_id":     exec.SkillID,
				"target":       exec.Target,
				"retry_count":  exec.RetryCount,
			}))
	}
	return cause
}

func (r *Runner) auditAction(exec *models.SkillExecution, skill *models.Skill, completed time.Time) audit.Action {
	params := map[string]interface{}{
		"execution_id": exec.ID,
		"skill_hash":   exec.SkillHash,
		"risk":         string(exec.Risk),
		"approved_by":  exec.ApprovedBy,
		"retry_count":  exec.RetryCount,
		"parameters":   exec.Parameters,
		"logs":         tail(exec.Logs, auditLogLines),
	}
	if skill != nil {
		params["action"] = string(skill.Action)
	}
	if exec.AuditResult != nil {
		params["judge"] = exec.AuditResult
	}

	result := make(map[string]interface{}, len(exec.Result)+1)
	for k, v := range exec.Result {
		result[k] = v
	}
	if exec.EscalationReason != "" {
		result["reason"] = exec.EscalationReason
	}
	return audit.Action{
		ActionTemplate: exec.SkillID,
		TargetResource: exec.Target,
		Parameters:     params,
		Status:         string(exec.Status),
		RequestedAt:    exec.CreatedAt,
		CompletedAt:    &completed,
		Result:         result,
	}
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return append([]string(nil), lines...)
	}
	return append([]string(nil), lines[len(lines)-n:]...)
}
