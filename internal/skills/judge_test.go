package skills_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

func highRiskSkill() *models.Skill {
	return &models.Skill{ID: "rem-stop-container", Risk: models.RiskHigh, Action: models.ActionStop}
}

func TestRuleJudge_ApprovesCleanRun(t *testing.T) {
	j, err := skills.NewRuleJudge(nil)
	require.NoError(t, err)

	v := j.Review(context.Background(), &models.SkillExecution{
		Status: models.ExecPendingAudit,
		Result: map[string]interface{}{"success": true},
		Logs:   []string{"executing: docker stop web"},
	}, highRiskSkill())
	assert.True(t, v.Approved)
	assert.InDelta(t, 1.0, v.Confidence, 1e-9)
}

func TestRuleJudge_NeverApprovesFailure(t *testing.T) {
	j, err := skills.NewRuleJudge([]skills.JudgeRule{{Name: "always", Expr: "true"}})
	require.NoError(t, err)

	v := j.Review(context.Background(), &models.SkillExecution{
		Status: models.ExecFailed,
		Result: map[string]interface{}{"success": true},
	}, highRiskSkill())
	assert.False(t, v.Approved)
	assert.Equal(t, "execution-succeeded", v.Rule)

	v = j.Review(context.Background(), &models.SkillExecution{Status: models.ExecPendingAudit}, highRiskSkill())
	assert.False(t, v.Approved, "missing result is not a success")
}

func TestRuleJudge_RetryAndErrorsLowerConfidence(t *testing.T) {
	j, err := skills.NewRuleJudge(skills.DefaultJudgeRules())
	require.NoError(t, err)

	v := j.Review(context.Background(), &models.SkillExecution{
		Status:     models.ExecPendingAudit,
		RetryCount: 1,
		Result:     map[string]interface{}{"success": true},
		Logs:       []string{"ERROR: container exited 137"},
	}, highRiskSkill())
	assert.False(t, v.Approved)
	assert.Equal(t, "first-attempt", v.Rule)
	assert.InDelta(t, 0.5, v.Confidence, 1e-9)
	assert.NotEmpty(t, v.Recommendations)
}

func TestNewRuleJudge_RejectsNonBoolRule(t *testing.T) {
	_, err := skills.NewRuleJudge([]skills.JudgeRule{{Name: "bad", Expr: "retry_count + 1"}})
	assert.Error(t, err)
}
