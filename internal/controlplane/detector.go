// Package controlplane ties detection and planning to governed execution.
//
// Each tick runs Detector.Detect, maps every incident to plan steps through
// a Planner and creates one skill execution per step. Executions that the
// runner approves on creation are run (or dispatched to the worker queue)
// in the same tick; everything else waits for a human. Incidents are
// handled one at a time.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// IncidentKind classifies what the detector found.
type IncidentKind string

const (
	IncidentContainerDown      IncidentKind = "container_down"
	IncidentContainerUnhealthy IncidentKind = "container_unhealthy"
	IncidentVMDown             IncidentKind = "vm_down"
	IncidentUnreachable        IncidentKind = "target_unreachable"
)

// Incident is one observed problem with a target.
type Incident struct {
	ID         string                 `json:"id"`
	Kind       IncidentKind           `json:"kind"`
	Target     string                 `json:"target"`
	Summary    string                 `json:"summary"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Key identifies the incident across ticks.
func (i Incident) Key() string { return string(i.Kind) + "|" + i.Target }

// Detector finds incidents.
type Detector interface {
	Detect(ctx context.Context) ([]Incident, error)
}

// AdapterSource resolves the adapter for a scheme. *process.Manager satisfies it.
type AdapterSource interface {
	Adapter(scheme models.TargetScheme) (contracts.InfraAdapter, error)
}

// InspectDetector inspects a fixed set of targets and reports any that are
// not running or report an unhealthy health check.
type InspectDetector struct {
	adapters AdapterSource
	targets  []skills.Target
	now      func() time.Time
}

// NewInspectDetector parses targets up front so a typo fails at startup.
func NewInspectDetector(adapters AdapterSource, targets []string) (*InspectDetector, error) {
	d := &InspectDetector{adapters: adapters, now: func() time.Time { return time.Now().UTC() }}
	for _, ref := range targets {
		t, err := skills.ParseTarget(ref)
		if err != nil {
			return nil, fmt.Errorf("watch target %q: %w", ref, err)
		}
		d.targets = append(d.targets, t)
	}
	return d, nil
}

func (d *InspectDetector) Detect(ctx context.Context) ([]Incident, error) {
	var out []Incident
	for _, t := range d.targets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		a, err := d.adapters.Adapter(t.Scheme)
		if err != nil {
			return out, err
		}
		attrs, err := a.Inspect(ctx, t.ID)
		if err != nil {
			log.Warn().Err(err).Str("target", t.String()).Msg("Inspect failed")
			out = append(out, d.incident(IncidentUnreachable, t, "inspect failed: "+err.Error(), nil))
			continue
		}
		if inc, ok := d.classify(t, attrs); ok {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (d *InspectDetector) classify(t skills.Target, attrs map[string]interface{}) (Incident, bool) {
	status, _ := attrs["status"].(string)
	status = strings.ToLower(status)
	health, _ := attrs["health"].(string)

	switch t.Scheme {
	case models.SchemeDocker:
		if running, ok := attrs["running"].(bool); (ok && !running) || (!ok && status != "" && status != "running") {
			return d.incident(IncidentContainerDown, t, fmt.Sprintf("container %s is %s", t.ID, status), attrs), true
		}
		if strings.EqualFold(health, "unhealthy") {
			return d.incident(IncidentContainerUnhealthy, t, fmt.Sprintf("container %s health check failing", t.ID), attrs), true
		}
	case models.SchemeProxmox:
		if status != "" && status != "running" {
			return d.incident(IncidentVMDown, t, fmt.Sprintf("%s is %s", t.ID, status), attrs), true
		}
	}
	return Incident{}, false
}

func (d *InspectDetector) incident(kind IncidentKind, t skills.Target, summary string, attrs map[string]interface{}) Incident {
	return Incident{
		ID:         uuid.New().String(),
		Kind:       kind,
		Target:     t.String(),
		Summary:    summary,
		Details:    attrs,
		DetectedAt: d.now(),
	}
}
