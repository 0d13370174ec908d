package controlplane

import (
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// PlanStep is one skill to run for an incident.
type PlanStep struct {
	SkillID    string                 `json:"skill_id"`
	Target     string                 `json:"target"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Reason     string                 `json:"reason"`
}

// Planner turns an incident into an ordered list of steps.
type Planner interface {
	Plan(incident Incident) []PlanStep
}

// SkillLookup reports whether a skill exists. *skills.Catalog satisfies it.
type SkillLookup interface {
	Get(id string) (*models.Skill, bool)
}

// RulePlanner maps incident kinds to fixed skill sequences: diagnose first,
// then remediate.
type RulePlanner struct {
	rules   map[IncidentKind][]string
	catalog SkillLookup
}

// DefaultPlanRules is the built-in incident to skill mapping.
func DefaultPlanRules() map[IncidentKind][]string {
	return map[IncidentKind][]string{
		IncidentContainerDown:      {"diag-container-logs", "rem-start-container"},
		IncidentContainerUnhealthy: {"diag-container-logs", "rem-restart-container"},
		IncidentVMDown:             {"diag-inspect-vm", "rem-restart-vm"},
		IncidentUnreachable:        {},
	}
}

// NewRulePlanner creates a planner. Steps naming skills the catalog lacks
// are dropped; a nil catalog keeps everything.
func NewRulePlanner(rules map[IncidentKind][]string, catalog SkillLookup) *RulePlanner {
	if rules == nil {
		rules = DefaultPlanRules()
	}
	return &RulePlanner{rules: rules, catalog: catalog}
}

func (p *RulePlanner) Plan(incident Incident) []PlanStep {
	ids := p.rules[incident.Kind]
	steps := make([]PlanStep, 0, len(ids))
	for _, id := range ids {
		if p.catalog != nil {
			if _, ok := p.catalog.Get(id); !ok {
				continue
			}
		}
		steps = append(steps, PlanStep{
			SkillID: id,
			Target:  incident.Target,
			Reason:  string(incident.Kind) + ": " + incident.Summary,
		})
	}
	return steps
}
