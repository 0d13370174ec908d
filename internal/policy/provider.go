package policy

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/internal/telemetry"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Provider owns the active engine for the process. The mode is fixed at
// construction; the allow/deny config is swapped atomically on Refresh.
type Provider struct {
	mode   models.ExecutionMode
	getenv func(string) string
	opts   []Option
	engine atomic.Pointer[Engine]
	cfg    atomic.Pointer[Config]

	decisions metric.Int64Counter
}

// NewProvider loads the config from the environment and builds the engine.
func NewProvider(mode models.ExecutionMode, opts ...Option) (*Provider, error) {
	return NewProviderWithEnv(mode, os.Getenv, opts...)
}

// NewProviderWithEnv is NewProvider with an explicit env lookup.
func NewProviderWithEnv(mode models.ExecutionMode, getenv func(string) string, opts ...Option) (*Provider, error) {
	p := &Provider{
		mode:      mode,
		getenv:    getenv,
		opts:      opts,
		decisions: telemetry.Counter("warden.policy.decisions", "Policy decisions by mode and outcome"),
	}
	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Refresh re-reads the policy config and swaps in a new engine.
func (p *Provider) Refresh() error {
	cfg := LoadConfig(p.getenv)
	eng, err := NewEngineForMode(p.mode, cfg, p.opts...)
	if err != nil {
		return err
	}
	p.cfg.Store(&cfg)
	p.engine.Store(&eng)

	log.Info().
		Str("mode", string(p.mode)).
		Int("lab_containers", cfg.Lab.AllowedContainers.Len()).
		Int("lab_vms", cfg.Lab.AllowedVMs.Len()).
		Int("lab_nodes", cfg.Lab.AllowedNodes.Len()).
		Int("integration_containers", cfg.Integration.AllowedContainers.Len()).
		Bool("lab_read_only", cfg.Lab.ReadOnly).
		Bool("lab_dangerous_ops", cfg.Lab.DangerousOps).
		Msg("🛡️  Safety policy loaded")
	return nil
}

// Mode returns the process execution mode.
func (p *Provider) Mode() models.ExecutionMode { return p.mode }

// Config returns the currently active config.
func (p *Provider) Config() Config { return *p.cfg.Load() }

// Evaluate runs the active engine and records the outcome.
func (p *Provider) Evaluate(ctx context.Context, skillID string, targetType models.TargetType, targetID string, params map[string]interface{}) Decision {
	d := (*p.engine.Load()).Evaluate(skillID, targetType, targetID, params)

	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", string(d.Mode)),
		attribute.Bool("allowed", d.Allowed),
	))

	ev := log.Debug()
	if !d.Allowed {
		ev = log.Warn()
	}
	ev.Str("mode", string(d.Mode)).
		Str("skill_id", skillID).
		Str("target_type", string(targetType)).
		Str("target_id", targetID).
		Bool("allowed", d.Allowed).
		Interface("codes", d.Codes()).
		Msg("Policy evaluated: " + d.PrimaryReason())
	return d
}
