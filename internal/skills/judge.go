package skills

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Judge reviews a finished high-risk execution.
type Judge interface {
	Review(ctx context.Context, exec *models.SkillExecution, skill *models.Skill) models.JudgeVerdict
}

// JudgeRule is one expression evaluated against the review environment:
//
//	success      bool
//	result       map[string]any
//	logs         []string
//	retry_count  int
//	risk         string
//	skill_id     string
//	action       string
//
// The rule must evaluate to a bool; true means the rule passes.
type JudgeRule struct {
	Name           string  `yaml:"name" json:"name"`
	Expr           string  `yaml:"expr" json:"expr"`
	Reason         string  `yaml:"reason" json:"reason"`
	Recommendation string  `yaml:"recommendation" json:"recommendation"`
	Penalty        float64 `yaml:"penalty" json:"penalty"`
}

// DefaultJudgeRules flag retried runs and snapshot or stop actions whose
// adapter result does not confirm the new state.
func DefaultJudgeRules() []JudgeRule {
	return []JudgeRule{
		{
			Name:           "first-attempt",
			Expr:           "retry_count == 0",
			Reason:         "action only succeeded after a retry",
			Recommendation: "inspect the target for flapping before closing the incident",
			Penalty:        0.3,
		},
		{
			Name:           "adapter-confirmed",
			Expr:           `result.success == true`,
			Reason:         "adapter did not confirm the action",
			Recommendation: "verify the target state manually",
			Penalty:        0.6,
		},
		{
			Name:           "no-error-output",
			Expr:           `none(logs, {# contains "ERROR"})`,
			Reason:         "execution logs contain errors",
			Recommendation: "review the execution logs",
			Penalty:        0.2,
		},
	}
}

type compiledRule struct {
	JudgeRule
	program *vm.Program
}

// RuleJudge approves when every rule passes. Rules run in a sandboxed
// expression VM with no access beyond the review environment.
type RuleJudge struct {
	rules []compiledRule
}

// NewRuleJudge compiles rules; an empty list uses DefaultJudgeRules.
func NewRuleJudge(rules []JudgeRule) (*RuleJudge, error) {
	if len(rules) == 0 {
		rules = DefaultJudgeRules()
	}
	j := &RuleJudge{}
	for _, r := range rules {
		prog, err := expr.Compile(r.Expr, expr.Env(reviewEnv(nil, nil)), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile judge rule %q: %w", r.Name, err)
		}
		j.rules = append(j.rules, compiledRule{JudgeRule: r, program: prog})
	}
	return j, nil
}

func reviewEnv(exec *models.SkillExecution, skill *models.Skill) map[string]interface{} {
	env := map[string]interface{}{
		"success":     false,
		"result":      map[string]interface{}{},
		"logs":        []string{},
		"retry_count": 0,
		"risk":        "",
		"skill_id":    "",
		"action":      "",
	}
	if exec != nil {
		env["success"] = exec.Status != models.ExecFailed && exec.Result != nil && exec.Result["success"] == true
		if exec.Result != nil {
			env["result"] = exec.Result
		}
		env["logs"] = append([]string{}, exec.Logs...)
		env["retry_count"] = exec.RetryCount
		env["risk"] = string(exec.Risk)
		env["skill_id"] = exec.SkillID
	}
	if skill != nil {
		env["action"] = string(skill.Action)
	}
	return env
}

// Review evaluates all rules. A failed execution is never approved.
func (j *RuleJudge) Review(_ context.Context, exec *models.SkillExecution, skill *models.Skill) models.JudgeVerdict {
	env := reviewEnv(exec, skill)
	if ok, _ := env["success"].(bool); !ok {
		return models.JudgeVerdict{
			Approved:        false,
			Reason:          "execution did not succeed",
			Confidence:      1,
			Recommendations: []string{"investigate the failure before retrying"},
			Rule:            "execution-succeeded",
		}
	}

	verdict := models.JudgeVerdict{Approved: true, Confidence: 1, Reason: "all judge rules passed"}
	var failed []string
	for _, r := range j.rules {
		out, err := expr.Run(r.program, env)
		pass, _ := out.(bool)
		if err != nil || !pass {
			failed = append(failed, r.Name)
			verdict.Approved = false
			verdict.Confidence -= r.Penalty
			if verdict.Rule == "" {
				verdict.Rule = r.Name
				verdict.Reason = r.Reason
				if err != nil {
					verdict.Reason = fmt.Sprintf("%s (rule error: %v)", r.Reason, err)
				}
			}
			if r.Recommendation != "" {
				verdict.Recommendations = append(verdict.Recommendations, r.Recommendation)
			}
		}
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if len(failed) > 1 {
		verdict.Reason = fmt.Sprintf("%s (+%d more)", verdict.Reason, len(failed)-1)
	}
	return verdict
}
