package controlplane_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/controlplane"
	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/internal/process"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

type env struct {
	runner  *skills.Runner
	catalog *skills.Catalog
	manager *process.Manager
	docker  *process.MockAdapter
	proxmox *process.MockAdapter
	store   *store.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cat, err := skills.LoadCatalog("")
	require.NoError(t, err)
	provider, err := policy.NewProviderWithEnv(models.ModeMock, func(string) string { return "" }, policy.WithTraits(cat.Traits))
	require.NoError(t, err)

	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	docker := process.NewMockAdapter(models.SchemeDocker)
	proxmox := process.NewMockAdapter(models.SchemeProxmox)
	mgr := process.NewManager(docker, proxmox)

	r, err := skills.NewRunner(cat, provider, mgr, audit.NewChain(st), st, skills.Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return &env{runner: r, catalog: cat, manager: mgr, docker: docker, proxmox: proxmox, store: st}
}

func (e *env) detector(t *testing.T, targets ...string) *controlplane.InspectDetector {
	t.Helper()
	d, err := controlplane.NewInspectDetector(e.manager, targets)
	require.NoError(t, err)
	return d
}

func TestInspectDetector_ClassifiesTargets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.docker.Stop(ctx, "web-1", 0)
	require.NoError(t, err)
	_, err = e.proxmox.Stop(ctx, "pve1/101", 0)
	require.NoError(t, err)

	incidents, err := e.detector(t, "docker://web-1", "docker://db-1", "proxmox://pve1/101").Detect(ctx)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, controlplane.IncidentContainerDown, incidents[0].Kind)
	assert.Equal(t, "docker://web-1", incidents[0].Target)
	assert.Equal(t, controlplane.IncidentVMDown, incidents[1].Kind)
	assert.Equal(t, "proxmox://pve1/101", incidents[1].Target)
}

func TestInspectDetector_InspectFailureIsUnreachable(t *testing.T) {
	e := newEnv(t)
	e.docker.FailNext(models.ActionInspect, 1)

	incidents, err := e.detector(t, "docker://web-1").Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, controlplane.IncidentUnreachable, incidents[0].Kind)
	assert.Empty(t, controlplane.NewRulePlanner(nil, e.catalog).Plan(incidents[0]))
}

func TestNewInspectDetector_RejectsBadTarget(t *testing.T) {
	_, err := controlplane.NewInspectDetector(process.NewManager(), []string{"ftp://box"})
	assert.Error(t, err)
}

func TestRulePlanner_DropsUnknownSkills(t *testing.T) {
	cat, err := skills.LoadCatalog("")
	require.NoError(t, err)
	p := controlplane.NewRulePlanner(map[controlplane.IncidentKind][]string{
		controlplane.IncidentContainerDown: {"diag-container-logs", "rem-teleport-container"},
	}, cat)

	steps := p.Plan(controlplane.Incident{Kind: controlplane.IncidentContainerDown, Target: "docker://web-1", Summary: "down"})
	require.Len(t, steps, 1)
	assert.Equal(t, "diag-container-logs", steps[0].SkillID)
	assert.Equal(t, "docker://web-1", steps[0].Target)
	assert.Contains(t, steps[0].Reason, "container_down")
}

func TestLoop_TickRunsOnlyAutoApprovedSteps(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.docker.Stop(ctx, "web-1", 0)
	require.NoError(t, err)

	loop := controlplane.NewLoop(e.detector(t, "docker://web-1"), controlplane.NewRulePlanner(nil, e.catalog), e.runner, time.Minute)
	rep := loop.Tick(ctx)
	assert.Equal(t, 1, rep.Incidents)
	require.Len(t, rep.Created, 2)
	require.Len(t, rep.Executed, 1, "only the read-only diagnostic is auto-approved")
	assert.Empty(t, rep.Errors)

	diag, err := e.runner.Get(ctx, rep.Executed[0])
	require.NoError(t, err)
	assert.Equal(t, "diag-container-logs", diag.SkillID)
	assert.Equal(t, models.ExecCompleted, diag.Status)

	start, err := e.runner.Get(ctx, rep.Created[1])
	require.NoError(t, err)
	assert.Equal(t, "rem-start-container", start.SkillID)
	assert.Equal(t, models.ExecPendingApproval, start.Status, "medium risk waits for a human")
	assert.Zero(t, e.docker.CallCount(models.ActionStart))

	// Same incident next tick: the pending remediation suppresses a duplicate plan.
	rep = loop.Tick(ctx)
	assert.Equal(t, 1, rep.Suppressed)
	assert.Empty(t, rep.Created)

	// Once a human resolves it, the incident is planned again.
	_, err = e.runner.Reject(ctx, start.ID, "ops", "handled manually")
	require.NoError(t, err)
	rep = loop.Tick(ctx)
	assert.Zero(t, rep.Suppressed)
	assert.Len(t, rep.Created, 2)
}

func TestLoop_DispatchesThroughQueue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.docker.Stop(ctx, "web-1", 0)
	require.NoError(t, err)

	q := queue.New(e.store, queue.DefaultConfig())
	loop := controlplane.NewLoop(e.detector(t, "docker://web-1"), controlplane.NewRulePlanner(nil, e.catalog), e.runner, time.Minute,
		controlplane.WithDispatch(q), controlplane.WithReclaimer(q))

	rep := loop.Tick(ctx)
	require.Len(t, rep.Dispatched, 1)
	assert.Empty(t, rep.Executed)

	w, err := queue.NewWorker(q, queue.WorkerConfig{
		ID:       "local",
		Handlers: map[string]queue.Handler{controlplane.SkillTaskType: controlplane.NewSkillTaskHandler(e.runner)},
	})
	require.NoError(t, err)
	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	exec, err := e.runner.Get(ctx, rep.Dispatched[0])
	require.NoError(t, err)
	assert.Equal(t, models.ExecCompleted, exec.Status)

	tasks, err := q.List(ctx, store.TaskFilter{Status: models.TaskDone})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "exec:"+exec.ID, tasks[0].IdempotencyKey)
}

func TestSkillTaskHandler_RedeliveryReportsStoredOutcome(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	exec, err := e.runner.Create(ctx, skills.CreateRequest{SkillID: "diag-inspect-container", Target: "docker://web-1", SkipApproval: true})
	require.NoError(t, err)
	require.Equal(t, models.ExecApproved, exec.Status)

	h := controlplane.NewSkillTaskHandler(e.runner)
	task := &models.WorkerTask{ID: "t1", Payload: map[string]interface{}{"execution_id": exec.ID}}

	out, err := h(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, string(models.ExecCompleted), out["execution_status"])

	out, err = h(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, string(models.ExecCompleted), out["execution_status"])
	assert.Equal(t, 1, e.docker.CallCount(models.ActionInspect), "not run twice")
}

func TestSkillTaskHandler_PendingApprovalFailsTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	exec, err := e.runner.Create(ctx, skills.CreateRequest{SkillID: "rem-restart-container", Target: "docker://web-1"})
	require.NoError(t, err)

	_, err = controlplane.NewSkillTaskHandler(e.runner)(ctx, &models.WorkerTask{ID: "t1", Payload: map[string]interface{}{"execution_id": exec.ID}})
	assert.ErrorIs(t, err, skills.ErrApprovalRequired)

	_, err = controlplane.NewSkillTaskHandler(e.runner)(ctx, &models.WorkerTask{ID: "t2"})
	assert.Error(t, err)
}

type failingDetector struct{}

func (failingDetector) Detect(context.Context) ([]controlplane.Incident, error) {
	return nil, errors.New("docker daemon unreachable")
}

func TestLoop_DetectErrorIsReported(t *testing.T) {
	e := newEnv(t)
	loop := controlplane.NewLoop(failingDetector{}, controlplane.NewRulePlanner(nil, e.catalog), e.runner, time.Minute)
	rep := loop.Tick(context.Background())
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "docker daemon unreachable")
}
