package store

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wardenhq/warden/control-plane/pkg/models"
)

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func cloneExecution(e *models.SkillExecution) *models.SkillExecution {
	cp := *e
	cp.Parameters = cloneMap(e.Parameters)
	cp.Result = cloneMap(e.Result)
	cp.Logs = append([]string(nil), e.Logs...)
	cp.ApprovedAt = cloneTime(e.ApprovedAt)
	cp.RejectedAt = cloneTime(e.RejectedAt)
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	if e.AuditResult != nil {
		v := *e.AuditResult
		v.Recommendations = append([]string(nil), e.AuditResult.Recommendations...)
		cp.AuditResult = &v
	}
	return &cp
}

func cloneEntry(e *models.AuditEntry) *models.AuditEntry {
	cp := *e
	cp.Parameters = cloneMap(e.Parameters)
	cp.Result = cloneMap(e.Result)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

func cloneTask(t *models.WorkerTask) *models.WorkerTask {
	cp := *t
	cp.Payload = cloneMap(t.Payload)
	cp.NextRetryAt = cloneTime(t.NextRetryAt)
	cp.ClaimedAt = cloneTime(t.ClaimedAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneResult(r *models.WorkerResult) *models.WorkerResult {
	cp := *r
	cp.Payload = cloneMap(r.Payload)
	return &cp
}

// sortTasks orders oldest first, matching the claim order.
func sortTasks(ts []models.WorkerTask) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}
