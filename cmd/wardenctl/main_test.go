package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/retention"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// seedDB writes n chained entries to a fresh SQLite file and returns its URL.
func seedDB(t *testing.T, n int, tamper func(st *store.SQLStore)) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "warden.db")
	st, err := store.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	chain := audit.NewChain(st)
	base := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	for i := 1; i <= n; i++ {
		_, err := chain.Append(ctx, audit.Action{
			ActionTemplate: "diag-inspect-container",
			TargetResource: fmt.Sprintf("docker://web-%d", i),
			Status:         string(models.ExecCompleted),
			RequestedAt:    base.Add(time.Duration(i) * time.Minute),
			Result:         map[string]interface{}{"running": true},
		})
		require.NoError(t, err)
	}
	if tamper != nil {
		tamper(st)
	}
	require.NoError(t, st.Close())
	return "sqlite://" + path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerify_ValidChain(t *testing.T) {
	url := seedDB(t, 4, nil)

	out, err := run(t, "verify", "--database-url", url)
	require.NoError(t, err)

	var rep audit.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, 4, rep.Checked)
}

func TestVerify_TamperedChainExitsNonZero(t *testing.T) {
	url := seedDB(t, 4, func(st *store.SQLStore) {
		_, err := st.DB().Exec(`UPDATE audit_entries SET target_resource = 'docker://evil' WHERE sequence_num = 2`)
		require.NoError(t, err)
	})

	out, err := run(t, "verify", "--database-url", url)
	assert.ErrorIs(t, err, errChainInvalid)

	var rep audit.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.False(t, rep.Valid)
	require.NotEmpty(t, rep.Violations)
	assert.Equal(t, int64(2), rep.Violations[0].Sequence)
}

func TestSummaryAndCheckpoints(t *testing.T) {
	url := seedDB(t, 3, nil)

	out, err := run(t, "summary", "--database-url", url, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "total_entries: 3")

	out, err = run(t, "checkpoints", "--database-url", url, "--kind", "month")
	require.NoError(t, err)
	var cps []audit.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cps))
	// Entry 1 lands on 2026-04-01 00:00, the first of a new month.
	require.Len(t, cps, 1)
	assert.Equal(t, int64(1), cps[0].SequenceNum)
}

func TestExportThenVerifyArchive(t *testing.T) {
	url := seedDB(t, 5, nil)
	dir := t.TempDir()

	out, err := run(t, "export", "--database-url", url, "--path", dir, "--batch-size", "2", "--compress")
	require.NoError(t, err)
	var stats retention.CycleStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 5, stats.AuditArchived)
	require.Len(t, stats.ArchiveRecords, 3)

	out, err = run(t, "verify", "--archive", stats.ArchiveRecords[1].URI)
	require.NoError(t, err)
	var rep retention.ArchiveReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, int64(3), rep.From)
	assert.Equal(t, int64(4), rep.To)

	// Nothing new: a second export is a no-op.
	out, err = run(t, "export", "--database-url", url, "--path", dir)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Zero(t, stats.AuditArchived)
}

func TestEvaluate(t *testing.T) {
	t.Setenv("WARDEN_LAB_ALLOWED_VMS", "101")
	t.Setenv("WARDEN_LAB_ALLOWED_NODES", "pve1")

	_, err := run(t, "evaluate", "rem-restart-vm", "proxmox://pve1/101", "--mode", "lab")
	require.NoError(t, err)

	out, err := run(t, "evaluate", "rem-restart-vm", "proxmox://pve1/102", "--mode", "lab")
	require.Error(t, err)
	assert.Contains(t, out, `"allowed": false`)

	_, err = run(t, "evaluate", "diag-inspect-vm", "ftp://box", "--mode", "lab")
	assert.Error(t, err)
}
