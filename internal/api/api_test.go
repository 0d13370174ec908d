package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/api"
	"github.com/wardenhq/warden/control-plane/internal/api/handlers"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/config"
	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/internal/process"
	"github.com/wardenhq/warden/control-plane/internal/queue"
	"github.com/wardenhq/warden/control-plane/internal/retention"
	"github.com/wardenhq/warden/control-plane/internal/skills"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

type testAPI struct {
	srv    *httptest.Server
	docker *process.MockAdapter
	chain  *audit.Chain
}

type apiOption func(*config.Config, *handlers.Handlers)

func newTestAPI(t *testing.T, mode models.ExecutionMode, env map[string]string, opts ...apiOption) *testAPI {
	t.Helper()
	cat, err := skills.LoadCatalog("")
	require.NoError(t, err)
	provider, err := policy.NewProviderWithEnv(mode, func(k string) string { return env[k] }, policy.WithTraits(cat.Traits))
	require.NoError(t, err)

	st := store.NewMemoryStore("")
	t.Cleanup(func() { st.Close() })
	docker := process.NewMockAdapter(models.SchemeDocker)
	mgr := process.NewManager(docker, process.NewMockAdapter(models.SchemeProxmox))
	chain := audit.NewChain(st)
	runner, err := skills.NewRunner(cat, provider, mgr, chain, st, skills.Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)

	cfg := &config.Config{Version: "test", Mode: string(mode)}
	h := handlers.New(runner, provider, chain, queue.New(st, queue.DefaultConfig()), nil)
	for _, o := range opts {
		o(cfg, h)
	}
	srv := httptest.NewServer(api.NewRouter(cfg, h, st))
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, docker: docker, chain: chain}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type problem struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	var health map[string]string
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "memory", health["store"])

	var version map[string]string
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/version", nil, &version))
	assert.Equal(t, "test", version["version"])
}

func TestExecutions_AutoApprovedRunsToCompletion(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	var exec models.SkillExecution
	code := a.do(t, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"skill_id": "diag-inspect-container", "target": "docker://web-1", "skip_approval": true,
	}, &exec)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, models.ExecApproved, exec.Status)

	var done models.SkillExecution
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/execute", nil, &done))
	assert.Equal(t, models.ExecCompleted, done.Status)
	assert.NotEmpty(t, done.ActionHistoryID)

	// A second execute is an invalid transition, not a re-run.
	var p problem
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/execute", nil, &p))
	assert.Equal(t, "invalid_transition", p.Type)
	assert.Equal(t, 1, a.docker.CallCount(models.ActionInspect))

	var list []models.SkillExecution
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/executions?status=completed", nil, &list))
	assert.Len(t, list, 1)
}

func TestExecutions_ApprovalWorkflow(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	var exec models.SkillExecution
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"skill_id": "rem-restart-container", "target": "docker://web-1", "skip_approval": true,
	}, &exec))
	assert.Equal(t, models.ExecPendingApproval, exec.Status, "medium risk ignores skip_approval")

	var p problem
	require.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/execute", nil, &p))
	assert.Equal(t, "approval_required", p.Type)
	assert.Zero(t, a.docker.CallCount(models.ActionRestart))

	require.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/approve", map[string]string{}, &p))

	var approved models.SkillExecution
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/approve",
		map[string]string{"approved_by": "alice"}, &approved))
	assert.Equal(t, models.ExecApproved, approved.Status)
	assert.Equal(t, "alice", approved.ApprovedBy)

	require.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/reject",
		map[string]string{"rejected_by": "bob"}, &p))

	var done models.SkillExecution
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/execute", nil, &done))
	assert.Equal(t, models.ExecCompleted, done.Status)
	assert.Equal(t, 1, a.docker.CallCount(models.ActionRestart))
}

func TestExecutions_AdapterFailureIsBadGateway(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)
	a.docker.FailNext(models.ActionInspect, 2)

	var exec models.SkillExecution
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/executions", map[string]interface{}{
		"skill_id": "diag-inspect-container", "target": "docker://web-1", "skip_approval": true,
	}, &exec))

	var done models.SkillExecution
	require.Equal(t, http.StatusBadGateway, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/execute", nil, &done))
	assert.Equal(t, models.ExecEscalated, done.Status)
	assert.Equal(t, 1, done.RetryCount)
}

func TestExecutions_RequestErrors(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	cases := []struct {
		name string
		body interface{}
		code int
		kind string
	}{
		{"malformed json", "{not json", http.StatusBadRequest, "bad_request"},
		{"missing fields", map[string]string{}, http.StatusUnprocessableEntity, "validation_error"},
		{"unknown skill", map[string]string{"skill_id": "rem-teleport", "target": "docker://web-1"}, http.StatusUnprocessableEntity, "validation_error"},
		{"bad target", map[string]string{"skill_id": "diag-inspect-container", "target": "web-1"}, http.StatusUnprocessableEntity, "validation_error"},
		{"wrong scheme", map[string]string{"skill_id": "diag-inspect-container", "target": "proxmox://pve1/101"}, http.StatusUnprocessableEntity, "validation_error"},
		{"missing param", map[string]string{"skill_id": "rem-snapshot-vm", "target": "proxmox://pve1/101"}, http.StatusUnprocessableEntity, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var p problem
			assert.Equal(t, tc.code, a.do(t, http.MethodPost, "/api/v1/executions", tc.body, &p))
			assert.Equal(t, tc.kind, p.Type)
			assert.Equal(t, tc.code, p.Status)
		})
	}

	var p problem
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/v1/executions/nope", nil, &p))
	assert.Equal(t, "not_found", p.Type)
}

func TestPolicyEvaluate_DenialIsData(t *testing.T) {
	a := newTestAPI(t, models.ModeIntegration, map[string]string{"WARDEN_INTEGRATION_ALLOWED_CONTAINERS": "web-1"})

	var d policy.Decision
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/policy/evaluate",
		map[string]string{"skill_id": "rem-restart-container", "target": "docker://web-1"}, &d))
	assert.True(t, d.Allowed)
	assert.Equal(t, models.ModeIntegration, d.Mode)

	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/policy/evaluate",
		map[string]string{"skill_id": "rem-restart-vm", "target": "proxmox://pve1/101"}, &d))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Codes(), policy.CodeProxmoxBlocked)
}

func TestAudit_VerifySummaryAndExport(t *testing.T) {
	dir := t.TempDir()
	a := newTestAPI(t, models.ModeMock, nil, func(_ *config.Config, h *handlers.Handlers) {
		j, err := retention.NewJanitor(h.Chain, retention.NewLocalFileArchiver(dir, false), "@daily")
		require.NoError(t, err)
		h.Exporter = j
	})

	for i := 0; i < 3; i++ {
		var exec models.SkillExecution
		require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/executions", map[string]interface{}{
			"skill_id": "rem-stop-container", "target": "docker://web-1",
		}, &exec))
		require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/reject",
			map[string]string{"rejected_by": "ops", "reason": "not now"}, nil))
	}

	var rep audit.Report
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/audit/verify?from=1", nil, &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Checked)

	var p problem
	assert.Equal(t, http.StatusUnprocessableEntity, a.do(t, http.MethodGet, "/api/v1/audit/verify?from=x", nil, &p))

	var sum audit.Summary
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/audit/summary", nil, &sum))
	assert.Equal(t, int64(3), sum.TotalEntries)
	assert.Equal(t, int64(3), sum.ByStatus["rejected"])

	var entries []models.AuditEntry
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/audit/entries?from=2&limit=5", nil, &entries))
	assert.Len(t, entries, 2)

	var stats retention.CycleStats
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/audit/export", nil, &stats))
	assert.Equal(t, 3, stats.AuditArchived)
	assert.Equal(t, int64(3), stats.Watermark)
}

func TestAudit_ExportDisabled(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)
	var p problem
	assert.Equal(t, http.StatusServiceUnavailable, a.do(t, http.MethodPost, "/api/v1/audit/export", nil, &p))
	assert.Equal(t, "export_disabled", p.Type)
}

func TestTasks_Lifecycle(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)
	enqueue := map[string]interface{}{"task_type": "probe", "idempotency_key": "probe-1", "payload": map[string]string{"host": "web-1"}}

	var task models.WorkerTask
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/v1/tasks", enqueue, &task))
	var again models.WorkerTask
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/tasks", enqueue, &again))
	assert.Equal(t, task.ID, again.ID)

	var claimed models.WorkerTask
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/tasks/claim", map[string]string{"worker_id": "site-a"}, &claimed))
	assert.Equal(t, task.ID, claimed.ID)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, http.StatusNoContent, a.do(t, http.MethodPost, "/api/v1/tasks/claim", map[string]string{"worker_id": "site-b"}, nil))

	var p problem
	require.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/result", map[string]interface{}{
		"idempotency_key": "r1", "worker_id": "site-b", "payload": map[string]bool{"success": true},
	}, &p))

	result := map[string]interface{}{"idempotency_key": "r1", "worker_id": "site-a", "payload": map[string]bool{"success": true}}
	var out queue.SubmitOutcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/result", result, &out))
	assert.False(t, out.Duplicate)
	assert.Equal(t, models.TaskDone, out.Task.Status)

	var replay queue.SubmitOutcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/result", result, &replay))
	assert.True(t, replay.Duplicate)
	assert.Equal(t, out.Result.ID, replay.Result.ID)

	require.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/retry", nil, &p))

	var dead []models.WorkerTask
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/tasks/dead-letter", nil, &dead))
	assert.Empty(t, dead)
}

func TestWorkers_HeartbeatAndList(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	var w models.Worker
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/v1/workers/site-a/heartbeat",
		map[string]interface{}{"site": "rack-3", "capabilities": []string{"skill.execute"}}, &w))
	assert.Equal(t, "site-a", w.ID)

	var workers []models.Worker
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/workers", nil, &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "rack-3", workers[0].Site)
	assert.True(t, workers[0].Healthy)
}

func TestSkills_ListsCatalogWithHashes(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil)

	var body struct {
		Skills []struct {
			Skill       models.Skill `json:"skill"`
			ContentHash string       `json:"content_hash"`
		} `json:"skills"`
		Count int `json:"count"`
	}
	require.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/skills", nil, &body))
	assert.Equal(t, 9, body.Count)
	for _, s := range body.Skills {
		assert.Len(t, s.ContentHash, 64, s.Skill.ID)
	}
}

func TestRouter_APIKeysGuardMutations(t *testing.T) {
	a := newTestAPI(t, models.ModeMock, nil, func(cfg *config.Config, _ *handlers.Handlers) {
		cfg.Auth.APIKeys = []string{"s3cret"}
	})

	var p problem
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodPost, "/api/v1/tasks", map[string]string{"task_type": "x"}, &p))
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/v1/workers", nil, nil))

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, a.srv.URL+"/api/v1/tasks",
		bytes.NewReader([]byte(`{"task_type":"x"}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "s3cret")
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}
