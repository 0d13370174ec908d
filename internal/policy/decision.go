// Package policy decides whether a skill may run against a target under the
// process-wide execution mode.
//
// Denials are data, not errors: every branch yields a Decision whose
// findings carry an enumerable Code so callers can react structurally.
package policy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// Level is the severity of a single finding.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelBlock Level = "block"
)

// Code identifies which rule produced a finding.
type Code string

const (
	CodeMockSimulated           Code = "mock_simulated"
	CodeInvalidTarget           Code = "invalid_target"
	CodeTargetMissing           Code = "target_missing"
	CodeProxmoxBlocked          Code = "integration_proxmox_blocked"
	CodeReadOnlySkill           Code = "read_only_skill"
	CodeSkillNotAllowed         Code = "skill_not_allowed"
	CodePruneBlocked            Code = "prune_blocked"
	CodePruneOptIn              Code = "prune_opt_in"
	CodeContainerNotAllowlisted Code = "container_not_allowlisted"
	CodeContainerAllowlisted    Code = "container_allowlisted"
	CodeContainerTestConvention Code = "container_test_convention"
	CodeDangerousSkillBlocked   Code = "dangerous_skill_blocked"
	CodeDangerousSkillOptIn     Code = "dangerous_skill_opt_in"
	CodeTargetNotAllowlisted    Code = "target_not_allowlisted"
	CodeTargetAllowlisted       Code = "target_allowlisted"
	CodeReadOnlyMode            Code = "read_only_mode"
)

// Finding is one rule outcome. Never mutated after creation.
type Finding struct {
	Level     Level                  `json:"level"`
	Code      Code                   `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Rule      string                 `json:"rule,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Decision is the full result of one evaluation.
type Decision struct {
	Allowed   bool                 `json:"allowed"`
	Findings  []Finding            `json:"findings"`
	Mode      models.ExecutionMode `json:"mode"`
	CheckedAt time.Time            `json:"checked_at"`
}

func newDecision(mode models.ExecutionMode, at time.Time, findings []Finding) Decision {
	d := Decision{Findings: findings, Mode: mode, CheckedAt: at}
	if d.Findings == nil {
		d.Findings = []Finding{}
	}
	d.Allowed = !d.HasBlocks()
	return d
}

// HasBlocks reports whether any finding is at block level.
func (d Decision) HasBlocks() bool {
	for _, f := range d.Findings {
		if f.Level == LevelBlock {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any finding is at warn level.
func (d Decision) HasWarnings() bool {
	for _, f := range d.Findings {
		if f.Level == LevelWarn {
			return true
		}
	}
	return false
}

// Blocks returns the blocking findings in order.
func (d Decision) Blocks() []Finding {
	var out []Finding
	for _, f := range d.Findings {
		if f.Level == LevelBlock {
			out = append(out, f)
		}
	}
	return out
}

// Codes lists every finding code in order.
func (d Decision) Codes() []Code {
	out := make([]Code, 0, len(d.Findings))
	for _, f := range d.Findings {
		out = append(out, f.Code)
	}
	return out
}

// PrimaryReason is the first blocking message, else a summary of the
// warnings, else "allowed".
func (d Decision) PrimaryReason() string {
	var warns []string
	for _, f := range d.Findings {
		switch f.Level {
		case LevelBlock:
			return f.Message
		case LevelWarn:
			warns = append(warns, f.Message)
		}
	}
	if len(warns) > 0 {
		return "allowed with warnings: " + strings.Join(warns, "; ")
	}
	return "allowed"
}

// MarshalJSON adds the derived fields so API consumers never recompute them.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	return json.Marshal(struct {
		plain
		HasBlocks     bool   `json:"has_blocks"`
		HasWarnings   bool   `json:"has_warnings"`
		PrimaryReason string `json:"primary_reason"`
	}{
		plain:         plain(d),
		HasBlocks:     d.HasBlocks(),
		HasWarnings:   d.HasWarnings(),
		PrimaryReason: d.PrimaryReason(),
	})
}
