package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/contracts"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// MockCall is one recorded adapter invocation.
type MockCall struct {
	Action models.SkillAction
	Ref    string
	At     time.Time
}

// MockAdapter simulates a scheme in memory. Failures can be scripted per
// action so retry and escalation paths are exercisable without infrastructure.
type MockAdapter struct {
	scheme models.TargetScheme

	mu       sync.Mutex
	calls    []MockCall
	failures map[models.SkillAction]int
	failErr  error
	delay    time.Duration
	running  map[string]bool
	logs     map[string]*LogBuffer
}

// NewMockAdapter creates a mock for scheme.
func NewMockAdapter(scheme models.TargetScheme) *MockAdapter {
	return &MockAdapter{
		scheme:   scheme,
		failures: make(map[models.SkillAction]int),
		failErr:  errors.New("simulated adapter failure"),
		running:  make(map[string]bool),
		logs:     make(map[string]*LogBuffer),
	}
}

// Scheme returns the scheme the mock was created for.
func (m *MockAdapter) Scheme() models.TargetScheme { return m.scheme }

// FailNext makes the next n calls of action return an error.
func (m *MockAdapter) FailNext(action models.SkillAction, n int) {
	m.mu.Lock()
	m.failures[action] = n
	m.mu.Unlock()
}

// SetDelay makes every call block for d or until its context ends.
func (m *MockAdapter) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (m *MockAdapter) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many times action was invoked.
func (m *MockAdapter) CallCount(action models.SkillAction) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

// record logs the call and reports any scripted failure.
func (m *MockAdapter) record(ctx context.Context, action models.SkillAction, ref string) error {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Action: action, Ref: ref, At: time.Now().UTC()})
	delay := m.delay
	fail := m.failures[action] > 0
	if fail {
		m.failures[action]--
	}
	buf, ok := m.logs[ref]
	if !ok {
		buf = NewLogBuffer(200)
		m.logs[ref] = buf
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		buf.Write("stderr", fmt.Sprintf("%s failed", action))
		return m.failErr
	}
	buf.Write("stdout", fmt.Sprintf("%s ok", action))
	return nil
}

func (m *MockAdapter) setRunning(ref string, v bool) {
	m.mu.Lock()
	m.running[ref] = v
	m.mu.Unlock()
}

func (m *MockAdapter) Start(ctx context.Context, ref string, _ int) (bool, error) {
	if err := m.record(ctx, models.ActionStart, ref); err != nil {
		return false, err
	}
	m.setRunning(ref, true)
	return true, nil
}

func (m *MockAdapter) Stop(ctx context.Context, ref string, _ int) (bool, error) {
	if err := m.record(ctx, models.ActionStop, ref); err != nil {
		return false, err
	}
	m.setRunning(ref, false)
	return true, nil
}

func (m *MockAdapter) Restart(ctx context.Context, ref string, _ int) (bool, error) {
	if err := m.record(ctx, models.ActionRestart, ref); err != nil {
		return false, err
	}
	m.setRunning(ref, true)
	return true, nil
}

func (m *MockAdapter) Inspect(ctx context.Context, ref string) (map[string]interface{}, error) {
	if err := m.record(ctx, models.ActionInspect, ref); err != nil {
		return nil, err
	}
	m.mu.Lock()
	running, known := m.running[ref]
	m.mu.Unlock()
	if !known {
		running = true
	}
	status := "exited"
	if running {
		status = "running"
	}
	return map[string]interface{}{"name": ref, "status": status, "running": running, "simulated": true}, nil
}

func (m *MockAdapter) GetLogs(ctx context.Context, ref string, window time.Duration) ([]contracts.LogEntry, error) {
	if err := m.record(ctx, models.ActionLogs, ref); err != nil {
		return nil, err
	}
	m.mu.Lock()
	buf := m.logs[ref]
	m.mu.Unlock()
	var since time.Time
	if window > 0 {
		since = time.Now().Add(-window)
	}
	return buf.Since(since), nil
}

func (m *MockAdapter) Prune(ctx context.Context, ref string) (map[string]interface{}, error) {
	if err := m.record(ctx, models.ActionPrune, ref); err != nil {
		return nil, err
	}
	return map[string]interface{}{"reclaimed_bytes": 0, "simulated": true}, nil
}

func (m *MockAdapter) Snapshot(ctx context.Context, ref, _ string) (bool, error) {
	if err := m.record(ctx, models.ActionSnap, ref); err != nil {
		return false, err
	}
	return true, nil
}
