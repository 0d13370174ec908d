package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wardenhq/warden/control-plane/internal/audit"
	"github.com/wardenhq/warden/control-plane/internal/store"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

var t0 = time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)

func newChain(t *testing.T) (*audit.Chain, store.Store) {
	t.Helper()
	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	return audit.NewChain(s), s
}

func action(i int, at time.Time) audit.Action {
	return audit.Action{
		ActionTemplate: "rem-restart-container",
		TargetResource: fmt.Sprintf("docker://nginx-%d", i),
		Parameters:     map[string]interface{}{"skill_hash": "abc"},
		Status:         "completed",
		RequestedAt:    at,
		Result:         map[string]interface{}{"success": true, "attempt": i},
	}
}

func buildEntries(n int) []models.AuditEntry {
	head := models.ChainHead{PrevHash: models.GenesisHash, NextSeq: 1}
	out := make([]models.AuditEntry, 0, n)
	for i := 0; i < n; i++ {
		e := audit.PrepareEntry(head, action(i, t0.Add(time.Duration(i)*time.Minute)))
		out = append(out, *e)
		head = models.ChainHead{PrevHash: e.EntryHash, NextSeq: e.SequenceNum + 1}
	}
	return out
}

// ── Hashing ─────────────────────────────────────────────────

func TestComputeHash_Format(t *testing.T) {
	e := audit.PrepareEntry(models.ChainHead{}, action(0, t0))
	assert.Len(t, e.EntryHash, 64)
	assert.Regexp(t, `^[0-9a-f]{64}$`, e.EntryHash)
	assert.Equal(t, models.GenesisHash, e.PrevHash)
	assert.Equal(t, int64(1), e.SequenceNum)
	assert.Equal(t, e.EntryHash, audit.ComputeHash(e))
}

func TestComputeHash_CoversFields(t *testing.T) {
	base := audit.PrepareEntry(models.ChainHead{}, action(0, t0))
	mutations := map[string]func(e *models.AuditEntry){
		"prev_hash":       func(e *models.AuditEntry) { e.PrevHash = "1" + e.PrevHash[1:] },
		"action_template": func(e *models.AuditEntry) { e.ActionTemplate = "rem-stop-container" },
		"target":          func(e *models.AuditEntry) { e.TargetResource = "docker://other" },
		"timestamp":       func(e *models.AuditEntry) { e.RequestedAt = e.RequestedAt.Add(time.Microsecond) },
		"result":          func(e *models.AuditEntry) { e.Result = map[string]interface{}{"success": false} },
	}
	for name, mutate := range mutations {
		cp := *base
		mutate(&cp)
		assert.NotEqual(t, base.EntryHash, audit.ComputeHash(&cp), name)
	}
}

func TestResultDigest_KeyOrderIndependent(t *testing.T) {
	a := audit.ResultDigest(map[string]interface{}{"a": 1, "b": "x"})
	b := audit.ResultDigest(map[string]interface{}{"b": "x", "a": 1})
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2026, 2, 3, 4, 5, 6, 123456789, time.FixedZone("X", 3600))
	assert.Equal(t, "2026-02-03T03:05:06.123456Z", audit.FormatTimestamp(ts))
}

// ── Verification ────────────────────────────────────────────

func TestVerifyEntries_ValidChain(t *testing.T) {
	assert.Empty(t, audit.VerifyEntries(buildEntries(10), nil))
	assert.Empty(t, audit.VerifyEntries(nil, nil))
}

func TestVerifyEntries_DetectsTampering(t *testing.T) {
	entries := buildEntries(5)
	entries[2].Result = map[string]interface{}{"success": false}

	v := audit.VerifyEntries(entries, nil)
	require.Len(t, v, 1)
	assert.Equal(t, audit.HashMismatch, v[0].Kind)
	assert.Equal(t, int64(3), v[0].Sequence)
}

func TestVerifyEntries_RehashedTamperBreaksNextLink(t *testing.T) {
	entries := buildEntries(5)
	entries[2].TargetResource = "docker://forged"
	entries[2].EntryHash = audit.ComputeHash(&entries[2])

	v := audit.VerifyEntries(entries, nil)
	require.Len(t, v, 1)
	assert.Equal(t, audit.PrevHashMismatch, v[0].Kind)
	assert.Equal(t, int64(4), v[0].Sequence)
}

func TestVerifyEntries_DetectsDeletion(t *testing.T) {
	entries := buildEntries(5)
	entries = append(entries[:2], entries[3:]...)

	kinds := map[audit.ViolationKind]int64{}
	for _, v := range audit.VerifyEntries(entries, nil) {
		kinds[v.Kind] = v.Sequence
	}
	assert.Equal(t, int64(4), kinds[audit.SequenceGap])
	assert.Equal(t, int64(4), kinds[audit.PrevHashMismatch])
}

func TestVerifyEntries_DetectsReorder(t *testing.T) {
	entries := buildEntries(4)
	entries[1], entries[2] = entries[2], entries[1]
	assert.NotEmpty(t, audit.VerifyEntries(entries, nil))
}

func TestVerifyEntries_GenesisMismatch(t *testing.T) {
	entries := buildEntries(2)
	entries[0].PrevHash = entries[1].EntryHash
	entries[0].EntryHash = audit.ComputeHash(&entries[0])

	var kinds []audit.ViolationKind
	for _, v := range audit.VerifyEntries(entries, nil) {
		kinds = append(kinds, v.Kind)
	}
	assert.Contains(t, kinds, audit.GenesisMismatch)
}

// ── Chain (with store) ──────────────────────────────────────

func TestChain_AppendAndVerify(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		e, err := c.Append(ctx, action(i, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.SequenceNum)
	}

	rep, err := c.Verify(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 7, rep.Checked)
	assert.Equal(t, int64(7), rep.To)
	assert.Empty(t, rep.Violations)

	// A middle range is anchored on its predecessor.
	rep, err = c.Verify(ctx, 3, 5)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.Checked)
}

func TestChain_VerifyEmpty(t *testing.T) {
	c, _ := newChain(t)
	rep, err := c.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Zero(t, rep.Checked)

	rep, err = c.Verify(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
}

func TestChain_ConcurrentAppendsStayLinked(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Append(ctx, action(i, t0))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rep, err := c.Verify(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, rep.Valid, "violations: %v", rep.Violations)
	assert.Equal(t, 20, rep.Checked)
}

func TestChain_AppendDefaultsTimestamp(t *testing.T) {
	c, _ := newChain(t)
	a := action(0, time.Time{})
	e, err := c.Append(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, e.RequestedAt.IsZero())
	assert.Equal(t, e.RequestedAt, e.RequestedAt.Truncate(time.Microsecond))
}

func TestChain_GetSummary(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()

	// Crosses a day and a month boundary: Jan 31 23:59 → Feb 1.
	_, _ = c.Append(ctx, action(0, t0))
	_, _ = c.Append(ctx, action(1, t0.Add(30*time.Second)))
	failed := action(2, t0.Add(2*time.Minute))
	failed.Status = "failed"
	_, _ = c.Append(ctx, failed)

	s, err := c.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.TotalEntries)
	assert.Equal(t, int64(3), s.HeadSequence)
	assert.Equal(t, int64(2), s.ByStatus["completed"])
	assert.Equal(t, int64(1), s.ByStatus["failed"])
	assert.Len(t, s.HeadHash, 64)

	var kinds []audit.CheckpointKind
	var seqs []int64
	for _, cp := range s.Checkpoints {
		kinds = append(kinds, cp.Kind)
		seqs = append(seqs, cp.SequenceNum)
	}
	assert.Equal(t, []audit.CheckpointKind{
		audit.CheckpointGenesis, audit.CheckpointMonth, audit.CheckpointDay,
		audit.CheckpointMonth, audit.CheckpointDay,
	}, kinds)
	assert.Equal(t, []int64{1, 1, 1, 3, 3}, seqs)
}

func TestChain_SummaryEmpty(t *testing.T) {
	c, _ := newChain(t)
	s, err := c.GetSummary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, s.TotalEntries)
	assert.Equal(t, models.GenesisHash, s.HeadHash)
	assert.Empty(t, s.Checkpoints)
}

func TestCheckpoints_IsCheckpoint(t *testing.T) {
	cps := audit.Checkpoints(buildEntries(3))
	assert.True(t, audit.IsCheckpoint(cps, 1))
	assert.True(t, audit.IsCheckpoint(cps, 3))
	assert.False(t, audit.IsCheckpoint(cps, 2))
}
