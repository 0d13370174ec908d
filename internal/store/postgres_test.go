package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

var taskColumns = []string{
	"id", "task_type", "worker_id", "idempotency_key", "payload", "status", "attempts", "max_attempts",
	"next_retry_at", "created_at", "claimed_at", "started_at", "completed_at", "error",
}

func newMockStore(t *testing.T) (*store.SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewSQLStore(db, store.DialectPostgres), mock
}

func queuedTaskRow(id string, attempts int) *sqlmock.Rows {
	return sqlmock.NewRows(taskColumns).AddRow(
		id, "skill.execute", "", "key-"+id, []byte(`{"execution_id":"e1"}`), "queued", attempts, 3,
		nil, t0.UnixMicro(), nil, nil, nil, "",
	)
}

func TestPostgresClaimTask_SkipLocked(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM worker_tasks .*WHERE status = \$1 AND \(next_retry_at IS NULL OR next_retry_at <= \$2\) AND task_type IN \(\$3\) ORDER BY created_at ASC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`).
		WithArgs("queued", sqlmock.AnyArg(), "skill.execute").
		WillReturnRows(queuedTaskRow("t1", 1))
	mock.ExpectExec(`(?s)UPDATE worker_tasks .*SET status = \$1, worker_id = \$2, claimed_at = \$3, started_at = NULL, next_retry_at = NULL, attempts = attempts \+ 1 .*WHERE id = \$4`).
		WithArgs("claimed", "w1", sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := s.ClaimTask(context.Background(), store.ClaimRequest{
		WorkerID: "w1", TaskTypes: []string{"skill.execute"}, Now: t0,
	})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, models.TaskClaimed, task.Status)
	assert.Equal(t, 2, task.Attempts)
	assert.Equal(t, "e1", task.Payload["execution_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClaimTask_NoneEligible(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM worker_tasks .*FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows(taskColumns))
	mock.ExpectCommit()

	task, err := s.ClaimTask(context.Background(), store.ClaimRequest{WorkerID: "w1", Now: t0})
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendAuditEntry_AdvisoryLock(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT sequence_num, entry_hash FROM audit_entries ORDER BY sequence_num DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "entry_hash"}).AddRow(int64(4), "abc"))
	mock.ExpectExec(`INSERT INTO audit_entries`).
		WithArgs(int64(5), "id-5", "abc", "hash-5", "rem-restart-container", "docker://nginx-1",
			sqlmock.AnyArg(), "completed", t0.UnixMicro(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen models.ChainHead
	entry, err := s.AppendAuditEntry(context.Background(), func(head models.ChainHead) (*models.AuditEntry, error) {
		seen = head
		return &models.AuditEntry{
			ID: "id-5", SequenceNum: head.NextSeq, PrevHash: head.PrevHash, EntryHash: "hash-5",
			ActionTemplate: "rem-restart-container", TargetResource: "docker://nginx-1",
			Status: "completed", RequestedAt: t0,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChainHead{PrevHash: "abc", NextSeq: 5}, seen)
	assert.Equal(t, int64(5), entry.SequenceNum)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendAuditEntry_EmptyChainStartsAtGenesis(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT sequence_num, entry_hash FROM audit_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"sequence_num", "entry_hash"}))
	mock.ExpectRollback()

	_, err := s.AppendAuditEntry(context.Background(), func(head models.ChainHead) (*models.AuditEntry, error) {
		assert.Equal(t, models.GenesisHash, head.PrevHash)
		assert.Equal(t, int64(1), head.NextSeq)
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordResult_DuplicateReturnsStored(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM worker_tasks WHERE id = \$1 FOR UPDATE$`).WithArgs("t1").
		WillReturnRows(queuedTaskRow("t1", 1))
	mock.ExpectQuery(`SELECT .+ FROM worker_results WHERE task_id = \$1 AND idempotency_key = \$2`).
		WithArgs("t1", "attempt-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "idempotency_key", "worker_id", "payload", "received_at"}).
			AddRow("r-original", "t1", "attempt-1", "w1", []byte(`{"success":true}`), t0.UnixMicro()))
	mock.ExpectCommit()

	applied := false
	stored, _, dup, err := s.RecordResult(context.Background(),
		&models.WorkerResult{ID: "r-new", TaskID: "t1", IdempotencyKey: "attempt-1", WorkerID: "w1", ReceivedAt: t0},
		func(*models.WorkerTask) error { applied = true; return nil })
	require.NoError(t, err)
	assert.True(t, dup)
	assert.False(t, applied)
	assert.Equal(t, "r-original", stored.ID)
	assert.Equal(t, true, stored.Payload["success"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordResult_InsertsOnConflictDoNothing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM worker_tasks WHERE id = \$1 FOR UPDATE`).WithArgs("t1").
		WillReturnRows(queuedTaskRow("t1", 1))
	mock.ExpectQuery(`SELECT .+ FROM worker_results`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "task_id", "idempotency_key", "worker_id", "payload", "received_at"}))
	mock.ExpectExec(`(?s)INSERT INTO worker_results .+ ON CONFLICT \(task_id, idempotency_key\) DO NOTHING`).
		WithArgs("r1", "t1", "attempt-1", "w1", sqlmock.AnyArg(), t0.UnixMicro()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)UPDATE worker_tasks SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, task, dup, err := s.RecordResult(context.Background(),
		&models.WorkerResult{ID: "r1", TaskID: "t1", IdempotencyKey: "attempt-1", WorkerID: "w1",
			Payload: map[string]interface{}{"success": true}, ReceivedAt: t0},
		func(tk *models.WorkerTask) error {
			done := t0.Add(time.Second)
			tk.Status = models.TaskDone
			tk.CompletedAt = &done
			return nil
		})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, models.TaskDone, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetTask_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM worker_tasks WHERE id = \$1`).WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(taskColumns))

	_, err := s.GetTask(context.Background(), "nope")
	assert.True(t, store.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
