package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// runStoreSuite exercises the Store contract against one backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("Executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("AuditAppendLinks", func(t *testing.T) { testAuditAppend(t, newStore(t)) })
	t.Run("AuditConcurrentAppends", func(t *testing.T) { testAuditConcurrent(t, newStore(t)) })
	t.Run("AuditPrepareErrorAborts", func(t *testing.T) { testAuditPrepareError(t, newStore(t)) })
	t.Run("TaskCreateIdempotent", func(t *testing.T) { testTaskCreate(t, newStore(t)) })
	t.Run("TaskClaimOrder", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("TaskClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("RecordResultIdempotent", func(t *testing.T) { testRecordResult(t, newStore(t)) })
	t.Run("Workers", func(t *testing.T) { testWorkers(t, newStore(t)) })
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTask(key string, created time.Time) *models.WorkerTask {
	return &models.WorkerTask{
		ID:             uuid.New().String(),
		TaskType:       "skill.execute",
		IdempotencyKey: key,
		Payload:        map[string]interface{}{"execution_id": key},
		Status:         models.TaskQueued,
		MaxAttempts:    3,
		CreatedAt:      created,
	}
}

func testExecutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	exec := &models.SkillExecution{
		ID:         "exec-1",
		SkillID:    "rem-restart-container",
		Target:     "docker://nginx-1",
		Status:     models.ExecPendingApproval,
		Parameters: map[string]interface{}{"grace": "10"},
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecPendingApproval, got.Status)
	assert.Equal(t, "10", got.Parameters["grace"])

	got.Status = models.ExecApproved
	got.ApprovedBy = "ops"
	require.NoError(t, s.UpdateExecution(ctx, got))

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{Status: models.ExecApproved})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ops", list[0].ApprovedBy)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
	assert.True(t, store.IsNotFound(s.UpdateExecution(ctx, &models.SkillExecution{ID: "missing"})))
}

func appendN(t *testing.T, s store.Store, n int) []*models.AuditEntry {
	t.Helper()
	var out []*models.AuditEntry
	for i := 0; i < n; i++ {
		e, err := s.AppendAuditEntry(context.Background(), func(head models.ChainHead) (*models.AuditEntry, error) {
			return &models.AuditEntry{
				ID:             uuid.New().String(),
				SequenceNum:    head.NextSeq,
				PrevHash:       head.PrevHash,
				EntryHash:      fmt.Sprintf("%064d", head.NextSeq),
				ActionTemplate: "rem-restart-container",
				TargetResource: "docker://nginx-1",
				Status:         "completed",
				RequestedAt:    t0.Add(time.Duration(head.NextSeq) * time.Second),
				Result:         map[string]interface{}{"ok": true},
			}, nil
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func testAuditAppend(t *testing.T, s store.Store) {
	ctx := context.Background()

	head, err := s.AuditHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ChainHead{PrevHash: models.GenesisHash, NextSeq: 1}, head)

	entries := appendN(t, s, 3)
	assert.Equal(t, models.GenesisHash, entries[0].PrevHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	assert.Equal(t, int64(3), entries[2].SequenceNum)

	listed, err := s.ListAuditEntries(ctx, 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, int64(2), listed[0].SequenceNum)
	assert.True(t, listed[0].RequestedAt.Equal(entries[1].RequestedAt))
	assert.Equal(t, true, listed[0].Result["ok"])

	one, err := s.GetAuditEntry(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, entries[2].EntryHash, one.EntryHash)

	n, err := s.CountAuditEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func testAuditConcurrent(t *testing.T, s store.Store) {
	const writers, per = 8, 5
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appendN(t, s, per)
		}()
	}
	wg.Wait()

	entries, err := s.ListAuditEntries(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, writers*per)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.SequenceNum)
		if i > 0 {
			assert.Equal(t, entries[i-1].EntryHash, e.PrevHash, "entry %d", e.SequenceNum)
		}
	}
}

func testAuditPrepareError(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	_, err := s.AppendAuditEntry(context.Background(), func(models.ChainHead) (*models.AuditEntry, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	n, _ := s.CountAuditEntries(context.Background())
	assert.Zero(t, n)
}

func testTaskCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	first, existed, err := s.CreateTask(ctx, newTask("k1", t0))
	require.NoError(t, err)
	assert.False(t, existed)

	again, existed, err := s.CreateTask(ctx, newTask("k1", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, first.ID, again.ID)

	tasks, err := s.ListTasks(ctx, store.TaskFilter{Status: models.TaskQueued})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func testClaimOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	older := newTask("older", t0)
	newer := newTask("newer", t0.Add(time.Second))
	backoff := newTask("backoff", t0.Add(-time.Hour))
	later := t0.Add(time.Hour)
	backoff.NextRetryAt = &later
	for _, task := range []*models.WorkerTask{newer, older, backoff} {
		_, _, err := s.CreateTask(ctx, task)
		require.NoError(t, err)
	}

	req := store.ClaimRequest{WorkerID: "w1", Now: t0.Add(time.Minute)}
	got, err := s.ClaimTask(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
	assert.Equal(t, models.TaskClaimed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "w1", got.WorkerID)

	got, err = s.ClaimTask(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.ID, got.ID)

	got, err = s.ClaimTask(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, got, "task in backoff must not be claimable yet")

	got, err = s.ClaimTask(ctx, store.ClaimRequest{WorkerID: "w1", Now: later.Add(time.Second)})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, backoff.ID, got.ID)

	stored, err := s.GetTask(ctx, backoff.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.NextRetryAt)
}

func testClaimConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const tasks, workers = 10, 5
	for i := 0; i < tasks; i++ {
		_, _, err := s.CreateTask(ctx, newTask(fmt.Sprintf("c%d", i), t0.Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, store.ClaimRequest{WorkerID: worker, Now: t0.Add(time.Minute)})
				if err != nil {
					t.Errorf("ClaimTask() error = %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				claimed[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, tasks)
}

func testRecordResult(t *testing.T, s store.Store) {
	ctx := context.Background()
	task, _, err := s.CreateTask(ctx, newTask("r1", t0))
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, store.ClaimRequest{WorkerID: "w1", Now: t0})
	require.NoError(t, err)

	calls := 0
	apply := func(tk *models.WorkerTask) error {
		calls++
		done := t0.Add(time.Minute)
		tk.Status = models.TaskDone
		tk.CompletedAt = &done
		return nil
	}
	res := &models.WorkerResult{
		ID: uuid.New().String(), TaskID: task.ID, IdempotencyKey: "attempt-1", WorkerID: "w1",
		Payload: map[string]interface{}{"success": true}, ReceivedAt: t0,
	}
	stored, updated, dup, err := s.RecordResult(ctx, res, apply)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.TaskDone, updated.Status)
	assert.Equal(t, res.ID, stored.ID)

	res2 := *res
	res2.ID = uuid.New().String()
	res2.Payload = map[string]interface{}{"success": false}
	stored2, _, dup, err := s.RecordResult(ctx, &res2, apply)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, res.ID, stored2.ID, "duplicate returns the stored row")
	assert.Equal(t, 1, calls)

	n, err := s.CountWorkerResults(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, _, err = s.RecordResult(ctx, &models.WorkerResult{ID: "x", TaskID: "nope", IdempotencyKey: "k"}, apply)
	assert.True(t, store.IsNotFound(err))
}

func testWorkers(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertWorker(ctx, &models.Worker{
		ID: "w1", Site: "lab-a", Capabilities: []string{"docker"}, RegisteredAt: t0, LastHeartbeat: t0,
	}))
	require.NoError(t, s.UpsertWorker(ctx, &models.Worker{
		ID: "w1", Site: "lab-a", Capabilities: []string{"docker", "proxmox"}, LastHeartbeat: t0.Add(time.Minute),
	}))

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.RegisteredAt.Equal(t0))
	assert.True(t, w.LastHeartbeat.Equal(t0.Add(time.Minute)))
	assert.Equal(t, []string{"docker", "proxmox"}, w.Capabilities)

	list, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
