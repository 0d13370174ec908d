package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Engine evaluates one skill/target request. Implementations are pure given
// their Config and never return an error for a denial.
type Engine interface {
	Mode() models.ExecutionMode
	Evaluate(skillID string, targetType models.TargetType, targetID string, params map[string]interface{}) Decision
}

// TraitsFunc reports whether a skill is read-only. known is false when the
// catalog has no entry, in which case a name heuristic applies.
type TraitsFunc func(skillID string) (readOnly, known bool)

// Option customizes an engine.
type Option func(*base)

// WithTraits sets the read-only classifier, normally backed by the skill catalog.
func WithTraits(fn TraitsFunc) Option {
	return func(b *base) { b.traits = fn }
}

// WithClock overrides the time source used for finding timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// NewEngineForMode builds the engine for mode with an explicit config.
func NewEngineForMode(mode models.ExecutionMode, cfg Config, opts ...Option) (Engine, error) {
	b := base{now: time.Now}
	for _, o := range opts {
		o(&b)
	}
	switch mode {
	case models.ModeMock:
		return &mockEngine{base: b}, nil
	case models.ModeIntegration:
		return &integrationEngine{base: b, cfg: cfg.Integration}, nil
	case models.ModeLab:
		return &labEngine{base: b, cfg: cfg.Lab}, nil
	}
	return nil, fmt.Errorf("policy: unknown mode %q", mode)
}

// ── shared helpers ──────────────────────────────────────────

type base struct {
	traits TraitsFunc
	now    func() time.Time
}

var (
	readOnlyName  = regexp.MustCompile(`^(diag|check|read|get|list)-|(^|-)(inspect|logs?|status|stats|health|describe)(-|$)`)
	dangerousName = regexp.MustCompile(`prune|delete|destroy|remove|force|rollback|snapshot|stop`)
	pruneName     = regexp.MustCompile(`prune`)
	testContainer = regexp.MustCompile(`^test-.+|.+-test$`)
)

func (b *base) readOnly(skillID string) bool {
	if b.traits != nil {
		if ro, known := b.traits(skillID); known {
			return ro
		}
	}
	return readOnlyName.MatchString(skillID)
}

func (b *base) finding(level Level, code Code, rule, msg string, details map[string]interface{}) Finding {
	return Finding{
		Level:     level,
		Code:      code,
		Message:   msg,
		Details:   details,
		Rule:      rule,
		Timestamp: b.now().UTC(),
	}
}

func validTargetType(t models.TargetType) bool {
	switch t {
	case models.TargetContainer, models.TargetVM, models.TargetNode:
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ── mock ────────────────────────────────────────────────────

type mockEngine struct{ base }

func (e *mockEngine) Mode() models.ExecutionMode { return models.ModeMock }

func (e *mockEngine) Evaluate(skillID string, targetType models.TargetType, targetID string, _ map[string]interface{}) Decision {
	f := e.finding(LevelInfo, CodeMockSimulated, "mode.mock",
		"simulated: mock mode never touches real infrastructure",
		map[string]interface{}{"skill_id": skillID, "target_type": string(targetType), "target_id": targetID})
	return newDecision(models.ModeMock, e.now().UTC(), []Finding{f})
}

// ── integration ─────────────────────────────────────────────

type integrationEngine struct {
	base
	cfg IntegrationConfig
}

func (e *integrationEngine) Mode() models.ExecutionMode { return models.ModeIntegration }

func (e *integrationEngine) Evaluate(skillID string, targetType models.TargetType, targetID string, _ map[string]interface{}) Decision {
	now := e.now().UTC()
	var out []Finding

	if !validTargetType(targetType) {
		out = append(out, e.finding(LevelBlock, CodeInvalidTarget, "target.type",
			fmt.Sprintf("unknown target type %q", targetType),
			map[string]interface{}{"target_type": string(targetType)}))
		return newDecision(models.ModeIntegration, now, out)
	}

	if targetType == models.TargetVM || targetType == models.TargetNode {
		out = append(out, e.finding(LevelBlock, CodeProxmoxBlocked, "integration.proxmox",
			"Proxmox targets are never allowed in integration mode",
			map[string]interface{}{"target_type": string(targetType), "target_id": targetID}))
		return newDecision(models.ModeIntegration, now, out)
	}

	if e.readOnly(skillID) {
		out = append(out, e.finding(LevelInfo, CodeReadOnlySkill, "skill.read_only",
			fmt.Sprintf("%s is read-only", skillID),
			map[string]interface{}{"skill_id": skillID}))
		return newDecision(models.ModeIntegration, now, out)
	}

	if !contains(e.cfg.AllowedSkills, skillID) {
		out = append(out, e.finding(LevelBlock, CodeSkillNotAllowed, "integration.allowed_skills",
			fmt.Sprintf("skill %s is not in the integration allowed-skill set", skillID),
			map[string]interface{}{"skill_id": skillID, "allowed_skills": e.cfg.AllowedSkills}))
	}

	if pruneName.MatchString(skillID) {
		if e.cfg.AllowPrune {
			out = append(out, e.finding(LevelWarn, CodePruneOptIn, "integration.allow_prune",
				fmt.Sprintf("%s is destructive; allowed by WARDEN_INTEGRATION_ALLOW_PRUNE", skillID),
				map[string]interface{}{"skill_id": skillID}))
		} else {
			out = append(out, e.finding(LevelBlock, CodePruneBlocked, "integration.allow_prune",
				fmt.Sprintf("%s is destructive; set WARDEN_INTEGRATION_ALLOW_PRUNE to enable", skillID),
				map[string]interface{}{"skill_id": skillID}))
		}
	}

	out = append(out, e.checkContainer(targetID))
	return newDecision(models.ModeIntegration, now, out)
}

func (e *integrationEngine) checkContainer(id string) Finding {
	if id == "" {
		return e.finding(LevelBlock, CodeTargetMissing, "integration.container",
			"container identifier is required",
			nil)
	}
	if entry, ok := e.cfg.AllowedContainers.Match(id); ok {
		return e.finding(LevelInfo, CodeContainerAllowlisted, "integration.allowed_containers",
			fmt.Sprintf("container %s matches allowlist entry %q", id, entry),
			map[string]interface{}{"container": id, "entry": entry})
	}
	if testContainer.MatchString(id) {
		return e.finding(LevelInfo, CodeContainerTestConvention, "integration.test_convention",
			fmt.Sprintf("container %s follows the test-* / *-test naming convention", id),
			map[string]interface{}{"container": id})
	}
	return e.finding(LevelBlock, CodeContainerNotAllowlisted, "integration.allowed_containers",
		fmt.Sprintf("container %s is neither allowlisted nor named test-* / *-test", id),
		map[string]interface{}{
			"container":         id,
			"missing_criterion": "allowlist match or test naming convention",
			"allowlist_size":    e.cfg.AllowedContainers.Len(),
		})
}

// ── lab ─────────────────────────────────────────────────────

type labEngine struct {
	base
	cfg LabConfig
}

func (e *labEngine) Mode() models.ExecutionMode { return models.ModeLab }

func (e *labEngine) Evaluate(skillID string, targetType models.TargetType, targetID string, _ map[string]interface{}) Decision {
	now := e.now().UTC()
	var out []Finding

	if !validTargetType(targetType) {
		out = append(out, e.finding(LevelBlock, CodeInvalidTarget, "target.type",
			fmt.Sprintf("unknown target type %q", targetType),
			map[string]interface{}{"target_type": string(targetType)}))
		return newDecision(models.ModeLab, now, out)
	}

	if e.readOnly(skillID) {
		out = append(out, e.finding(LevelInfo, CodeReadOnlySkill, "skill.read_only",
			fmt.Sprintf("%s is read-only", skillID),
			map[string]interface{}{"skill_id": skillID}))
		return newDecision(models.ModeLab, now, out)
	}

	if e.cfg.ReadOnly {
		out = append(out, e.finding(LevelBlock, CodeReadOnlyMode, "lab.read_only",
			"lab is in read-only mode; only diagnostic skills may run",
			map[string]interface{}{"skill_id": skillID}))
	}

	if len(e.cfg.AllowedSkills) > 0 && !contains(e.cfg.AllowedSkills, skillID) {
		out = append(out, e.finding(LevelBlock, CodeSkillNotAllowed, "lab.allowed_skills",
			fmt.Sprintf("skill %s is not in the lab allowed-skill set", skillID),
			map[string]interface{}{"skill_id": skillID, "allowed_skills": e.cfg.AllowedSkills}))
	}

	if m := dangerousName.FindString(strings.ToLower(skillID)); m != "" {
		details := map[string]interface{}{"skill_id": skillID, "matched": m}
		if e.cfg.DangerousOps {
			out = append(out, e.finding(LevelWarn, CodeDangerousSkillOptIn, "lab.dangerous_ops",
				fmt.Sprintf("%s is dangerous (%s); allowed by WARDEN_LAB_DANGEROUS_OPS", skillID, m), details))
		} else {
			out = append(out, e.finding(LevelBlock, CodeDangerousSkillBlocked, "lab.dangerous_ops",
				fmt.Sprintf("%s is dangerous (%s); set WARDEN_LAB_DANGEROUS_OPS to enable", skillID, m), details))
		}
	}

	if targetID != "" {
		out = append(out, e.checkTarget(targetType, targetID))
	}
	return newDecision(models.ModeLab, now, out)
}

func (e *labEngine) allowlistFor(t models.TargetType) (Allowlist, string) {
	switch t {
	case models.TargetNode:
		return e.cfg.AllowedNodes, "WARDEN_LAB_ALLOWED_NODES"
	case models.TargetVM:
		return e.cfg.AllowedVMs, "WARDEN_LAB_ALLOWED_VMS"
	default:
		return e.cfg.AllowedContainers, "WARDEN_LAB_ALLOWED_CONTAINERS"
	}
}

func (e *labEngine) checkTarget(t models.TargetType, id string) Finding {
	list, key := e.allowlistFor(t)
	rule := "lab.allowed_" + string(t) + "s"
	if entry, ok := list.Match(id); ok {
		return e.finding(LevelInfo, CodeTargetAllowlisted, rule,
			fmt.Sprintf("%s %s matches allowlist entry %q", t, id, entry),
			map[string]interface{}{"target_type": string(t), "target_id": id, "entry": entry})
	}
	msg := fmt.Sprintf("%s %s is not in %s", t, id, key)
	if list.Empty() {
		msg = fmt.Sprintf("%s %s denied: %s is empty", t, id, key)
	}
	return e.finding(LevelBlock, CodeTargetNotAllowlisted, rule, msg,
		map[string]interface{}{
			"target_type":    string(t),
			"target_id":      id,
			"allowlist_key":  key,
			"allowlist_size": list.Len(),
		})
}

// IsDangerous reports whether a skill id matches the dangerous-name pattern.
func IsDangerous(skillID string) bool {
	return dangerousName.MatchString(strings.ToLower(skillID))
}
