// Package process runs skill actions against infrastructure.
//
// The Manager holds one contracts.InfraAdapter per target scheme and turns
// a rendered skill action into the matching adapter call:
//
//	skills.Runner.Execute
//	    └─► Manager.Run(Call)
//	            ├─► DockerAdapter   (docker CLI)
//	            ├─► ProxmoxAdapter  (Proxmox VE REST API)
//	            └─► MockAdapter     (recorded, scriptable)
//
// Every call runs under a hard deadline; adapters that spawn processes
// kill and reap them when it expires.
package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// DefaultTimeout applies when a call carries no timeout of its own.
const DefaultTimeout = 60 * time.Second

// ErrActionFailed is returned when an adapter reports the action did not
// take effect without returning an error of its own.
var ErrActionFailed = errors.New("adapter reported action failure")

// ErrUnsupported is returned for an action the adapter cannot perform.
var ErrUnsupported = errors.New("action not supported by adapter")

// Call is one adapter invocation.
type Call struct {
	Action   models.SkillAction
	Scheme   models.TargetScheme
	Ref      string
	Timeout  time.Duration
	Params   map[string]interface{}
	Rendered string
}

// Manager dispatches calls to the adapter registered for their scheme.
type Manager struct {
	mu       sync.RWMutex
	adapters map[models.TargetScheme]contracts.InfraAdapter
}

// NewManager creates a manager with the given adapters registered.
func NewManager(adapters ...contracts.InfraAdapter) *Manager {
	m := &Manager{adapters: make(map[models.TargetScheme]contracts.InfraAdapter)}
	for _, a := range adapters {
		m.Register(a)
	}
	return m
}

// Register adds or replaces the adapter for its scheme.
func (m *Manager) Register(a contracts.InfraAdapter) {
	m.mu.Lock()
	m.adapters[a.Scheme()] = a
	m.mu.Unlock()
	log.Info().Str("scheme", string(a.Scheme())).Msg("Registered infrastructure adapter")
}

// Adapter returns the adapter for scheme.
func (m *Manager) Adapter(scheme models.TargetScheme) (contracts.InfraAdapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[scheme]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for scheme %q", scheme)
	}
	return a, nil
}

// Run performs call and returns the adapter's result. The result always
// carries "success": true when err is nil.
func (m *Manager) Run(ctx context.Context, call Call) (map[string]interface{}, error) {
	a, err := m.Adapter(call.Scheme)
	if err != nil {
		return nil, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	secs := int(timeout / time.Second)

	start := time.Now()
	result := map[string]interface{}{
		"action": string(call.Action),
		"target": string(call.Scheme) + "://" + call.Ref,
	}
	if call.Rendered != "" {
		result["command"] = call.Rendered
	}

	var ok bool
	switch call.Action {
	case models.ActionStart:
		ok, err = a.Start(ctx, call.Ref, secs)
	case models.ActionStop:
		ok, err = a.Stop(ctx, call.Ref, secs)
	case models.ActionRestart:
		ok, err = a.Restart(ctx, call.Ref, secs)
	case models.ActionInspect:
		var attrs map[string]interface{}
		attrs, err = a.Inspect(ctx, call.Ref)
		ok = err == nil
		result["attributes"] = attrs
	case models.ActionLogs:
		window := 15 * time.Minute
		if w, isStr := call.Params["window"].(string); isStr && w != "" {
			if d, perr := time.ParseDuration(w); perr == nil {
				window = d
			}
		}
		var entries []contracts.LogEntry
		entries, err = a.GetLogs(ctx, call.Ref, window)
		ok = err == nil
		result["lines"] = len(entries)
		result["logs"] = logLines(entries)
	case models.ActionPrune:
		p, can := a.(contracts.Pruner)
		if !can {
			return nil, fmt.Errorf("%s: %w", call.Action, ErrUnsupported)
		}
		var out map[string]interface{}
		out, err = p.Prune(ctx, call.Ref)
		ok = err == nil
		for k, v := range out {
			result[k] = v
		}
	case models.ActionSnap:
		s, can := a.(contracts.Snapshotter)
		if !can {
			return nil, fmt.Errorf("%s: %w", call.Action, ErrUnsupported)
		}
		name, _ := call.Params["snapname"].(string)
		ok, err = s.Snapshot(ctx, call.Ref, name)
		result["snapshot"] = name
	default:
		return nil, fmt.Errorf("unknown action %q: %w", call.Action, ErrUnsupported)
	}

	result["duration_ms"] = time.Since(start).Milliseconds()
	if err == nil && !ok {
		err = ErrActionFailed
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s: %w", call.Action, timeout, err)
		}
		log.Warn().Err(err).
			Str("scheme", string(call.Scheme)).
			Str("ref", call.Ref).
			Str("action", string(call.Action)).
			Msg("Adapter call failed")
		return result, err
	}

	result["success"] = true
	log.Info().
		Str("scheme", string(call.Scheme)).
		Str("ref", call.Ref).
		Str("action", string(call.Action)).
		Int64("duration_ms", result["duration_ms"].(int64)).
		Msg("Adapter call completed")
	return result, nil
}

func logLines(entries []contracts.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Timestamp.Format(time.RFC3339)+" "+e.Line)
	}
	return out
}
