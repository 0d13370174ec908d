package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// SkillTaskType is the worker task that runs an approved execution.
const SkillTaskType = "skill.execute"

// ExecutionRunner is what the skill task needs. *skills.Runner satisfies it.
type ExecutionRunner interface {
	Execute(ctx context.Context, id string) (*models.SkillExecution, error)
	Get(ctx context.Context, id string) (*models.SkillExecution, error)
}

// NewSkillTaskHandler runs the execution named in the task payload.
//
// The task succeeds once the execution reaches a terminal status, whatever
// that status is: an escalated or policy-failed execution is already a
// human-visible outcome and retrying the task would not change it. The task
// fails, and is retried with backoff, only when the execution could not be
// advanced at all. A redelivered task for an execution that already
// finished reports the stored outcome without running anything.
func NewSkillTaskHandler(r ExecutionRunner) queue.Handler {
	return func(ctx context.Context, task *models.WorkerTask) (map[string]interface{}, error) {
		id, _ := task.Payload["execution_id"].(string)
		if id == "" {
			return nil, errors.New("payload missing execution_id")
		}

		exec, err := r.Execute(ctx, id)
		if errors.Is(err, skills.ErrInvalidTransition) {
			exec, err = r.Get(ctx, id)
			if err == nil && exec.Status.IsTerminal() {
				log.Info().Str("task_id", task.ID).Str("execution_id", id).Str("status", string(exec.Status)).
					Msg("Execution already finished, reporting stored outcome")
				return outcome(exec, nil), nil
			}
			if err == nil {
				err = fmt.Errorf("execution %s is %s", id, exec.Status)
			}
		}
		if exec == nil || !exec.Status.IsTerminal() {
			if err == nil {
				err = fmt.Errorf("execution %s did not finish", id)
			}
			return nil, err
		}
		return outcome(exec, err), nil
	}
}

func outcome(exec *models.SkillExecution, err error) map[string]interface{} {
	out := map[string]interface{}{
		"success":          true,
		"execution_id":     exec.ID,
		"execution_status": string(exec.Status),
	}
	if exec.EscalationReason != "" {
		out["escalation_reason"] = exec.EscalationReason
	}
	if err != nil {
		out["execution_error"] = err.Error()
	}
	return out
}
