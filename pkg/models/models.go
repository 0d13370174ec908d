package models

import (
	"fmt"
	"time"
)

// ── Execution Mode ───────────────────────────────────────────

// ExecutionMode selects which safety policy is active for the process.
type ExecutionMode string

const (
	ModeMock        ExecutionMode = "mock"
	ModeIntegration ExecutionMode = "integration"
	ModeLab         ExecutionMode = "lab"
)

// ParseExecutionMode maps a config string to a mode. Unknown values are an
// error rather than a silent fallback to mock.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(s) {
	case ModeMock, ModeIntegration, ModeLab:
		return ExecutionMode(s), nil
	case "":
		return ModeMock, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (want mock, integration or lab)", s)
}

// ── Skills ───────────────────────────────────────────────────

// RiskTier classifies a skill's blast radius.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Valid reports whether r is one of the known tiers.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// TargetScheme is the infrastructure family a target reference belongs to.
type TargetScheme string

const (
	SchemeDocker  TargetScheme = "docker"
	SchemeProxmox TargetScheme = "proxmox"
)

// TargetType is the policy-facing kind of a target.
type TargetType string

const (
	TargetContainer TargetType = "container"
	TargetVM        TargetType = "vm"
	TargetNode      TargetType = "node"
)

// SkillAction is the adapter verb a skill maps to.
type SkillAction string

const (
	ActionInspect SkillAction = "inspect"
	ActionLogs    SkillAction = "logs"
	ActionStart   SkillAction = "start"
	ActionStop    SkillAction = "stop"
	ActionRestart SkillAction = "restart"
	ActionPrune   SkillAction = "prune"
	ActionSnap    SkillAction = "snapshot"
)

// Skill is a catalog entry: one templated remediation or diagnostic action.
type Skill struct {
	ID                   string       `json:"id" yaml:"id" validate:"required,skillid"`
	Name                 string       `json:"name" yaml:"name" validate:"required"`
	Description          string       `json:"description,omitempty" yaml:"description"`
	Risk                 RiskTier     `json:"risk" yaml:"risk" validate:"required,oneof=low medium high"`
	TargetScheme         TargetScheme `json:"target_scheme" yaml:"target_scheme" validate:"required,oneof=docker proxmox"`
	Action               SkillAction  `json:"action" yaml:"action" validate:"required,oneof=inspect logs start stop restart prune snapshot"`
	ActionTemplate       string       `json:"action_template" yaml:"action_template" validate:"required,max=2000"`
	RequiredParams       []string     `json:"required_params,omitempty" yaml:"required_params" validate:"dive,paramkey"`
	RequiresConfirmation bool         `json:"requires_confirmation" yaml:"requires_confirmation"`
	ReadOnly             bool         `json:"read_only" yaml:"read_only"`
	TimeoutSeconds       int          `json:"timeout_seconds,omitempty" yaml:"timeout_seconds" validate:"gte=0,lte=3600"`
}

// ── Skill Execution ──────────────────────────────────────────

// ExecutionStatus tracks a SkillExecution through its state machine.
type ExecutionStatus string

const (
	ExecPendingApproval ExecutionStatus = "pending_approval"
	ExecApproved        ExecutionStatus = "approved"
	ExecRejected        ExecutionStatus = "rejected"
	ExecExecuting       ExecutionStatus = "executing"
	ExecRetrying        ExecutionStatus = "retrying"
	ExecPendingAudit    ExecutionStatus = "pending_audit"
	ExecCompleted       ExecutionStatus = "completed"
	ExecFailed          ExecutionStatus = "failed"
	ExecEscalated       ExecutionStatus = "escalated"
)

// MaxRetries is the number of automatic retries after a failed attempt.
const MaxRetries = 1

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecRejected, ExecCompleted, ExecFailed, ExecEscalated:
		return true
	}
	return false
}

// SkillExecution is one requested run of a skill against a target.
type SkillExecution struct {
	ID               string                 `json:"id"`
	SkillID          string                 `json:"skill_id"`
	SkillHash        string                 `json:"skill_hash"`
	Risk             RiskTier               `json:"risk"`
	Target           string                 `json:"target"`
	Parameters       map[string]interface{} `json:"parameters,omitempty"`
	Status           ExecutionStatus        `json:"status"`
	RequestedBy      string                 `json:"requested_by,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	ApprovedAt       *time.Time             `json:"approved_at,omitempty"`
	ApprovedBy       string                 `json:"approved_by,omitempty"`
	RejectedAt       *time.Time             `json:"rejected_at,omitempty"`
	RejectedBy       string                 `json:"rejected_by,omitempty"`
	RejectionReason  string                 `json:"rejection_reason,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	Logs             []string               `json:"logs"`
	Result           map[string]interface{} `json:"result,omitempty"`
	AuditResult      *JudgeVerdict          `json:"audit_result,omitempty"`
	EscalationReason string                 `json:"escalation_reason,omitempty"`
	ActionHistoryID  string                 `json:"action_history_id,omitempty"`
}

// AppendLog adds a timestamped line, dropping the oldest lines once limit
// is reached. A limit <= 0 keeps everything.
func (e *SkillExecution) AppendLog(limit int, format string, args ...interface{}) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...)
	e.Logs = append(e.Logs, line)
	if limit > 0 && len(e.Logs) > limit {
		e.Logs = append([]string(nil), e.Logs[len(e.Logs)-limit:]...)
	}
}

// JudgeVerdict is the post-execution review of a high-risk skill.
type JudgeVerdict struct {
	Approved        bool     `json:"approved"`
	Reason          string   `json:"reason"`
	Confidence      float64  `json:"confidence"`
	Recommendations []string `json:"recommendations,omitempty"`
	Rule            string   `json:"rule,omitempty"`
}

// ── Audit Chain ──────────────────────────────────────────────

// GenesisHash is the prev_hash of the first entry in every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEntry is one immutable, hash-linked record of an action.
type AuditEntry struct {
	ID             string                 `json:"id"`
	SequenceNum    int64                  `json:"sequence_num"`
	PrevHash       string                 `json:"prev_hash"`
	EntryHash      string                 `json:"entry_hash"`
	ActionTemplate string                 `json:"action_template"`
	TargetResource string                 `json:"target_resource"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Status         string                 `json:"status"`
	RequestedAt    time.Time              `json:"requested_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
}

// ChainHead is what an appender needs to link the next entry.
type ChainHead struct {
	PrevHash string `json:"prev_hash"`
	NextSeq  int64  `json:"next_seq"`
}

// ── Worker Queue ─────────────────────────────────────────────

// TaskStatus tracks a WorkerTask through the queue.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskClaimed    TaskStatus = "claimed"
	TaskRunning    TaskStatus = "running"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskDeadLetter TaskStatus = "dead_letter"
)

// Active reports whether a worker currently holds the task.
func (s TaskStatus) Active() bool {
	return s == TaskClaimed || s == TaskRunning
}

// WorkerTask is a unit of work dispatched to a site worker.
type WorkerTask struct {
	ID             string                 `json:"id"`
	TaskType       string                 `json:"task_type"`
	WorkerID       string                 `json:"worker_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Status         TaskStatus             `json:"status"`
	Attempts       int                    `json:"attempts"`
	MaxAttempts    int                    `json:"max_attempts"`
	NextRetryAt    *time.Time             `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ClaimedAt      *time.Time             `json:"claimed_at,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// WorkerResult is a worker's report for a claimed task. Unique on
// (TaskID, IdempotencyKey).
type WorkerResult struct {
	ID             string                 `json:"id"`
	TaskID         string                 `json:"task_id"`
	IdempotencyKey string                 `json:"idempotency_key"`
	WorkerID       string                 `json:"worker_id"`
	Payload        map[string]interface{} `json:"payload"`
	ReceivedAt     time.Time              `json:"received_at"`
}

// Succeeded is true only when the payload carries success=true. A missing
// or non-boolean key counts as failure.
func (r *WorkerResult) Succeeded() bool {
	v, ok := r.Payload["success"].(bool)
	return ok && v
}

// FailureReason extracts a human-readable error from the payload.
func (r *WorkerResult) FailureReason() string {
	for _, k := range []string{"error", "reason", "message"} {
		if s, ok := r.Payload[k].(string); ok && s != "" {
			return s
		}
	}
	if _, ok := r.Payload["success"]; !ok {
		return "result missing success flag"
	}
	return "worker reported failure"
}

// Worker is a registered site worker and its last heartbeat.
type Worker struct {
	ID            string    `json:"id"`
	Site          string    `json:"site,omitempty"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Healthy       bool      `json:"healthy"`
}

// DeadLetterAlert is the structured record emitted when a task exhausts
// its attempts.
type DeadLetterAlert struct {
	TaskID   string    `json:"task_id"`
	WorkerID string    `json:"worker_id"`
	TaskType string    `json:"task_type"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason"`
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}
