package store

// The in-memory Store is used when no DATABASE_URL is configured (local dev,
// tests). It supports file-based snapshot persistence so data survives
// restarts.

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Executions map[string]*models.SkillExecution `json:"executions"`
	Audit      []*models.AuditEntry              `json:"audit"`
	Tasks      map[string]*models.WorkerTask     `json:"tasks"`
	Results    map[string]*models.WorkerResult   `json:"results"` // key: task_id:idempotency_key
	Workers    map[string]*models.Worker         `json:"workers"`
}

// MemoryStore implements Store with in-memory maps. A single mutex
// serializes writers, which makes audit appends and task claims atomic.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.SkillExecution
	audit      []*models.AuditEntry // append-only, index = sequence-1
	tasks      map[string]*models.WorkerTask
	taskKeys   map[string]string // idempotency_key → task id
	results    map[string]*models.WorkerResult
	workers    map[string]*models.Worker

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty
// the store snapshots to dataDir/warden.json and reloads it on start.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		executions: make(map[string]*models.SkillExecution),
		audit:      make([]*models.AuditEntry, 0),
		tasks:      make(map[string]*models.WorkerTask),
		taskKeys:   make(map[string]string),
		results:    make(map[string]*models.WorkerResult),
		workers:    make(map[string]*models.Worker),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "warden.json")
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

func (m *MemoryStore) Backend() string { return "memory" }

// scheduleSave signals the background saver; coalesces bursts of writes.
func (m *MemoryStore) scheduleSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Executions: m.executions,
		Audit:      m.audit,
		Tasks:      m.tasks,
		Results:    m.results,
		Workers:    m.workers,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Audit != nil {
		sort.Slice(snap.Audit, func(i, j int) bool { return snap.Audit[i].SequenceNum < snap.Audit[j].SequenceNum })
		m.audit = snap.Audit
	}
	if snap.Tasks != nil {
		m.tasks = snap.Tasks
		for id, t := range m.tasks {
			m.taskKeys[t.IdempotencyKey] = id
		}
	}
	if snap.Results != nil {
		m.results = snap.Results
	}
	if snap.Workers != nil {
		m.workers = snap.Workers
	}

	log.Info().
		Int("executions", len(m.executions)).
		Int("audit_entries", len(m.audit)).
		Int("tasks", len(m.tasks)).
		Msg("📂 Loaded snapshot from disk")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			log.Info().Msg("Flushing final snapshot before shutdown...")
			m.saveSnapshot()
		}
		log.Info().Msg("Memory store closed")
	})
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Execution Store ─────────────────────────────────────────

func (m *MemoryStore) CreateExecution(_ context.Context, exec *models.SkillExecution) error {
	m.mu.Lock()
	m.executions[exec.ID] = cloneExecution(exec)
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.SkillExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	return cloneExecution(e), nil
}

func (m *MemoryStore) UpdateExecution(_ context.Context, exec *models.SkillExecution) error {
	m.mu.Lock()
	if _, ok := m.executions[exec.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "execution", Key: exec.ID}
	}
	m.executions[exec.ID] = cloneExecution(exec)
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, f ExecutionFilter) ([]models.SkillExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.SkillExecution
	for _, e := range m.executions {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.SkillID != "" && e.SkillID != f.SkillID {
			continue
		}
		out = append(out, *cloneExecution(e))
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := limitOr(f.Limit, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) headLocked() models.ChainHead {
	if len(m.audit) == 0 {
		return models.ChainHead{PrevHash: models.GenesisHash, NextSeq: 1}
	}
	last := m.audit[len(m.audit)-1]
	return models.ChainHead{PrevHash: last.EntryHash, NextSeq: last.SequenceNum + 1}
}

func (m *MemoryStore) AppendAuditEntry(_ context.Context, prepare PrepareFunc) (*models.AuditEntry, error) {
	m.mu.Lock()
	head := m.headLocked()
	entry, err := prepare(head)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	stored := cloneEntry(entry)
	m.audit = append(m.audit, stored)
	m.mu.Unlock()
	m.scheduleSave()
	return cloneEntry(stored), nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, from, to int64, limit int) ([]models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, 0)
	for _, e := range m.audit {
		if e.SequenceNum < from || (to > 0 && e.SequenceNum > to) {
			continue
		}
		out = append(out, *cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetAuditEntry(_ context.Context, seq int64) (*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.audit {
		if e.SequenceNum == seq {
			return cloneEntry(e), nil
		}
	}
	return nil, &ErrNotFound{Entity: "audit entry", Key: itoa(seq)}
}

func (m *MemoryStore) AuditHead(_ context.Context) (models.ChainHead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headLocked(), nil
}

func (m *MemoryStore) CountAuditEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.audit)), nil
}

// ── Task Store ──────────────────────────────────────────────

func (m *MemoryStore) CreateTask(_ context.Context, task *models.WorkerTask) (*models.WorkerTask, bool, error) {
	m.mu.Lock()
	if id, ok := m.taskKeys[task.IdempotencyKey]; ok {
		existing := cloneTask(m.tasks[id])
		m.mu.Unlock()
		return existing, true, nil
	}
	stored := cloneTask(task)
	m.tasks[task.ID] = stored
	m.taskKeys[task.IdempotencyKey] = task.ID
	m.mu.Unlock()
	m.scheduleSave()
	return cloneTask(stored), false, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.WorkerTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]models.WorkerTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.WorkerTask
	for _, t := range m.tasks {
		if !taskStatusMatch(f, t.Status) {
			continue
		}
		if f.WorkerID != "" && t.WorkerID != f.WorkerID {
			continue
		}
		out = append(out, *cloneTask(t))
	}
	sortTasks(out)
	if limit := limitOr(f.Limit, 100); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ClaimTask(_ context.Context, req ClaimRequest) (*models.WorkerTask, error) {
	m.mu.Lock()
	var pick *models.WorkerTask
	for _, t := range m.tasks {
		if t.Status != models.TaskQueued || !typeAllowed(req.TaskTypes, t.TaskType) {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(req.Now) {
			continue
		}
		if pick == nil || t.CreatedAt.Before(pick.CreatedAt) ||
			(t.CreatedAt.Equal(pick.CreatedAt) && t.ID < pick.ID) {
			pick = t
		}
	}
	if pick == nil {
		m.mu.Unlock()
		return nil, nil
	}
	now := req.Now
	pick.Status = models.TaskClaimed
	pick.WorkerID = req.WorkerID
	pick.ClaimedAt = &now
	pick.StartedAt = nil
	pick.NextRetryAt = nil
	pick.Attempts++
	out := cloneTask(pick)
	m.mu.Unlock()
	m.scheduleSave()
	return out, nil
}

func (m *MemoryStore) UpdateTaskFunc(_ context.Context, id string, fn func(*models.WorkerTask) error) (*models.WorkerTask, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	work := cloneTask(t)
	if err := fn(work); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.tasks[id] = work
	out := cloneTask(work)
	m.mu.Unlock()
	m.scheduleSave()
	return out, nil
}

func (m *MemoryStore) RecordResult(_ context.Context, r *models.WorkerResult, apply ResultFunc) (*models.WorkerResult, *models.WorkerTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[r.TaskID]
	if !ok {
		return nil, nil, false, &ErrNotFound{Entity: "task", Key: r.TaskID}
	}
	k := key(r.TaskID, r.IdempotencyKey)
	if existing, ok := m.results[k]; ok {
		return cloneResult(existing), cloneTask(t), true, nil
	}

	work := cloneTask(t)
	if err := apply(work); err != nil {
		return nil, nil, false, err
	}
	m.results[k] = cloneResult(r)
	m.tasks[r.TaskID] = work
	m.scheduleSave()
	return cloneResult(r), cloneTask(work), false, nil
}

func (m *MemoryStore) GetWorkerResult(_ context.Context, taskID, idempotencyKey string) (*models.WorkerResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[key(taskID, idempotencyKey)]
	if !ok {
		return nil, &ErrNotFound{Entity: "worker result", Key: key(taskID, idempotencyKey)}
	}
	return cloneResult(r), nil
}

func (m *MemoryStore) CountWorkerResults(_ context.Context, taskID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.results {
		if r.TaskID == taskID {
			n++
		}
	}
	return n, nil
}

// ── Worker Store ────────────────────────────────────────────

func (m *MemoryStore) UpsertWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	cp := *w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	if existing, ok := m.workers[w.ID]; ok && cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = existing.RegisteredAt
	}
	m.workers[w.ID] = &cp
	m.mu.Unlock()
	m.scheduleSave()
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "worker", Key: id}
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWorkers(_ context.Context) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
