package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/models"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Dialect selects SQL differences between SQLite and PostgreSQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// auditLockKey is the pg_advisory_xact_lock key serializing chain appends.
const auditLockKey int64 = 0x574152444e

// SQLStore implements Store over database/sql. Queries are written with
// '?' placeholders and rebound for PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Callers own the *sql.DB lifecycle
// only until Close.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
// SQLite allows one writer, so the pool is pinned to a single connection
// and transactions take the write lock up front (_txlock=immediate).
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("🗄️  SQLite store ready")
	return s, nil
}

// NewPostgresStore connects through pgx's database/sql driver.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*SQLStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Int("max_conns", maxConns).Msg("🐘 PostgreSQL store ready")
	return s, nil
}

// Open picks a backend from a database URL: empty for memory (snapshotting
// to dataDir when set), sqlite://path, or postgres:// / postgresql://.
func Open(ctx context.Context, url, dataDir string, maxConns int) (Store, error) {
	switch {
	case url == "":
		return NewMemoryStore(dataDir), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url, maxConns)
	}
	return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Backend() string { return string(s.dialect) }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.dialect, err)
	}
	return nil
}

// ── dialect helpers ─────────────────────────────────────────

// q rebinds '?' placeholders to $n for PostgreSQL.
func (s *SQLStore) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate appends a row lock clause where the dialect supports one.
func (s *SQLStore) forUpdate(skipLocked bool) string {
	if s.dialect != DialectPostgres {
		return ""
	}
	if skipLocked {
		return " FOR UPDATE SKIP LOCKED"
	}
	return " FOR UPDATE"
}

func (s *SQLStore) jsonArg(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.dialect == DialectPostgres {
		return raw, nil
	}
	return string(raw), nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func micros(t time.Time) int64 { return t.UTC().UnixMicro() }

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func decodeMap(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// ── Execution Store ─────────────────────────────────────────

func (s *SQLStore) CreateExecution(ctx context.Context, e *models.SkillExecution) error {
	data, err := s.jsonArg(e)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO skill_executions (id, skill_id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, e.SkillID, string(e.Status), micros(e.CreatedAt), micros(e.UpdatedAt), data)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.SkillExecution, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, s.q(`SELECT data FROM skill_executions WHERE id = ?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var e models.SkillExecution
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, e *models.SkillExecution) error {
	data, err := s.jsonArg(e)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE skill_executions SET status = ?, updated_at = ?, data = ? WHERE id = ?`),
		string(e.Status), micros(e.UpdatedAt), data, e.ID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "execution", Key: e.ID}
	}
	return nil
}

func (s *SQLStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]models.SkillExecution, error) {
	query := `SELECT data FROM skill_executions WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.SkillID != "" {
		query += ` AND skill_id = ?`
		args = append(args, f.SkillID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOr(f.Limit, 100))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []models.SkillExecution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e models.SkillExecution
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ── Audit Store ─────────────────────────────────────────────

const auditCols = `sequence_num, id, prev_hash, entry_hash, action_template, target_resource, parameters, status, requested_at, completed_at, result`

func scanAuditEntry(sc scanner) (*models.AuditEntry, error) {
	var (
		e           models.AuditEntry
		params, res []byte
		requested   int64
		completed   sql.NullInt64
	)
	if err := sc.Scan(&e.SequenceNum, &e.ID, &e.PrevHash, &e.EntryHash, &e.ActionTemplate,
		&e.TargetResource, &params, &e.Status, &requested, &completed, &res); err != nil {
		return nil, err
	}
	var err error
	if e.Parameters, err = decodeMap(params); err != nil {
		return nil, fmt.Errorf("decode audit parameters %d: %w", e.SequenceNum, err)
	}
	if e.Result, err = decodeMap(res); err != nil {
		return nil, fmt.Errorf("decode audit result %d: %w", e.SequenceNum, err)
	}
	e.RequestedAt = fromMicros(requested)
	e.CompletedAt = fromNullMicros(completed)
	return &e, nil
}

func (s *SQLStore) headTx(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}) (models.ChainHead, error) {
	var (
		seq  int64
		hash string
	)
	err := q.QueryRowContext(ctx, `SELECT sequence_num, entry_hash FROM audit_entries ORDER BY sequence_num DESC LIMIT 1`).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChainHead{PrevHash: models.GenesisHash, NextSeq: 1}, nil
	}
	if err != nil {
		return models.ChainHead{}, fmt.Errorf("read chain head: %w", err)
	}
	return models.ChainHead{PrevHash: hash, NextSeq: seq + 1}, nil
}

// AppendAuditEntry serializes appenders with a transaction-scoped advisory
// lock on PostgreSQL and the immediate write lock on SQLite.
func (s *SQLStore) AppendAuditEntry(ctx context.Context, prepare PrepareFunc) (*models.AuditEntry, error) {
	var out *models.AuditEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == DialectPostgres {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
				return fmt.Errorf("lock audit chain: %w", err)
			}
		}
		head, err := s.headTx(ctx, tx)
		if err != nil {
			return err
		}
		e, err := prepare(head)
		if err != nil {
			return err
		}
		params, err := s.jsonArg(e.Parameters)
		if err != nil {
			return fmt.Errorf("encode audit parameters: %w", err)
		}
		res, err := s.jsonArg(e.Result)
		if err != nil {
			return fmt.Errorf("encode audit result: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO audit_entries (`+auditCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.SequenceNum, e.ID, e.PrevHash, e.EntryHash, e.ActionTemplate, e.TargetResource,
			params, e.Status, micros(e.RequestedAt), nullMicros(e.CompletedAt), res)
		if err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) ListAuditEntries(ctx context.Context, from, to int64, limit int) ([]models.AuditEntry, error) {
	query := `SELECT ` + auditCols + ` FROM audit_entries WHERE sequence_num >= ?`
	args := []interface{}{from}
	if to > 0 {
		query += ` AND sequence_num <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY sequence_num ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]models.AuditEntry, 0)
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetAuditEntry(ctx context.Context, seq int64) (*models.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+auditCols+` FROM audit_entries WHERE sequence_num = ?`), seq)
	e, err := scanAuditEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "audit entry", Key: itoa(seq)}
	}
	return e, err
}

func (s *SQLStore) AuditHead(ctx context.Context) (models.ChainHead, error) {
	return s.headTx(ctx, s.db)
}

func (s *SQLStore) CountAuditEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&n)
	return n, err
}

// ── Task Store ──────────────────────────────────────────────

const taskCols = `id, task_type, worker_id, idempotency_key, payload, status, attempts, max_attempts, next_retry_at, created_at, claimed_at, started_at, completed_at, error`

func scanTask(sc scanner) (*models.WorkerTask, error) {
	var (
		t                          models.WorkerTask
		payload                    []byte
		status                     string
		created                    int64
		next, claimed, started, cm sql.NullInt64
	)
	if err := sc.Scan(&t.ID, &t.TaskType, &t.WorkerID, &t.IdempotencyKey, &payload, &status,
		&t.Attempts, &t.MaxAttempts, &next, &created, &claimed, &started, &cm, &t.Error); err != nil {
		return nil, err
	}
	var err error
	if t.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode task payload %s: %w", t.ID, err)
	}
	t.Status = models.TaskStatus(status)
	t.NextRetryAt = fromNullMicros(next)
	t.CreatedAt = fromMicros(created)
	t.ClaimedAt = fromNullMicros(claimed)
	t.StartedAt = fromNullMicros(started)
	t.CompletedAt = fromNullMicros(cm)
	return &t, nil
}

func (s *SQLStore) CreateTask(ctx context.Context, t *models.WorkerTask) (*models.WorkerTask, bool, error) {
	payload, err := s.jsonArg(t.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode task payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO worker_tasks (`+taskCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`),
		t.ID, t.TaskType, t.WorkerID, t.IdempotencyKey, payload, string(t.Status),
		t.Attempts, t.MaxAttempts, nullMicros(t.NextRetryAt), micros(t.CreatedAt),
		nullMicros(t.ClaimedAt), nullMicros(t.StartedAt), nullMicros(t.CompletedAt), t.Error)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskCols+` FROM worker_tasks WHERE idempotency_key = ?`), t.IdempotencyKey)
		existing, err := scanTask(row)
		if err != nil {
			return nil, false, fmt.Errorf("load existing task: %w", err)
		}
		return existing, true, nil
	}
	cp := *t
	return &cp, false, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.WorkerTask, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskCols+` FROM worker_tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	return t, err
}

func (s *SQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]models.WorkerTask, error) {
	query := `SELECT ` + taskCols + ` FROM worker_tasks WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limitOr(f.Limit, 100))

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []models.WorkerTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ClaimTask selects the oldest eligible task with FOR UPDATE SKIP LOCKED on
// PostgreSQL, so concurrent claimants each get a different row or none.
func (s *SQLStore) ClaimTask(ctx context.Context, req ClaimRequest) (*models.WorkerTask, error) {
	var out *models.WorkerTask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + taskCols + ` FROM worker_tasks
			WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)`
		args := []interface{}{string(models.TaskQueued), micros(req.Now)}
		if len(req.TaskTypes) > 0 {
			query += ` AND task_type IN (` + placeholders(len(req.TaskTypes)) + `)`
			for _, tt := range req.TaskTypes {
				args = append(args, tt)
			}
		}
		query += ` ORDER BY created_at ASC, id ASC LIMIT 1` + s.forUpdate(true)

		t, err := scanTask(tx.QueryRowContext(ctx, s.q(query), args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claimable task: %w", err)
		}

		now := req.Now
		t.Status = models.TaskClaimed
		t.WorkerID = req.WorkerID
		t.ClaimedAt = &now
		t.StartedAt = nil
		t.NextRetryAt = nil
		t.Attempts++

		_, err = tx.ExecContext(ctx, s.q(`UPDATE worker_tasks
			SET status = ?, worker_id = ?, claimed_at = ?, started_at = NULL, next_retry_at = NULL, attempts = attempts + 1
			WHERE id = ?`),
			string(t.Status), t.WorkerID, micros(now), t.ID)
		if err != nil {
			return fmt.Errorf("mark task claimed: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) lockTask(ctx context.Context, tx *sql.Tx, id string) (*models.WorkerTask, error) {
	row := tx.QueryRowContext(ctx, s.q(`SELECT `+taskCols+` FROM worker_tasks WHERE id = ?`+s.forUpdate(false)), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "task", Key: id}
	}
	return t, err
}

func (s *SQLStore) saveTask(ctx context.Context, tx *sql.Tx, t *models.WorkerTask) error {
	payload, err := s.jsonArg(t.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`UPDATE worker_tasks SET
		worker_id = ?, payload = ?, status = ?, attempts = ?, max_attempts = ?, next_retry_at = ?,
		claimed_at = ?, started_at = ?, completed_at = ?, error = ?
		WHERE id = ?`),
		t.WorkerID, payload, string(t.Status), t.Attempts, t.MaxAttempts, nullMicros(t.NextRetryAt),
		nullMicros(t.ClaimedAt), nullMicros(t.StartedAt), nullMicros(t.CompletedAt), t.Error, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateTaskFunc(ctx context.Context, id string, fn func(*models.WorkerTask) error) (*models.WorkerTask, error) {
	var out *models.WorkerTask
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := s.saveTask(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

const resultCols = `id, task_id, idempotency_key, worker_id, payload, received_at`

func scanResult(sc scanner) (*models.WorkerResult, error) {
	var (
		r        models.WorkerResult
		payload  []byte
		received int64
	)
	if err := sc.Scan(&r.ID, &r.TaskID, &r.IdempotencyKey, &r.WorkerID, &payload, &received); err != nil {
		return nil, err
	}
	var err error
	if r.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode result payload %s: %w", r.ID, err)
	}
	r.ReceivedAt = fromMicros(received)
	return &r, nil
}

// RecordResult locks the task row first so concurrent duplicate submissions
// serialize, then checks for an existing (task_id, idempotency_key) row.
func (s *SQLStore) RecordResult(ctx context.Context, r *models.WorkerResult, apply ResultFunc) (*models.WorkerResult, *models.WorkerTask, bool, error) {
	var (
		stored *models.WorkerResult
		task   *models.WorkerTask
		dup    bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := s.lockTask(ctx, tx, r.TaskID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+resultCols+` FROM worker_results WHERE task_id = ? AND idempotency_key = ?`),
			r.TaskID, r.IdempotencyKey)
		existing, err := scanResult(row)
		switch {
		case err == nil:
			stored, task, dup = existing, t, true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("lookup result: %w", err)
		}

		if err := apply(t); err != nil {
			return err
		}
		payload, err := s.jsonArg(r.Payload)
		if err != nil {
			return fmt.Errorf("encode result payload: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO worker_results (`+resultCols+`) VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (task_id, idempotency_key) DO NOTHING`),
			r.ID, r.TaskID, r.IdempotencyKey, r.WorkerID, payload, micros(r.ReceivedAt))
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errResultRace
		}
		if err := s.saveTask(ctx, tx, t); err != nil {
			return err
		}
		cp := *r
		stored, task = &cp, t
		return nil
	})
	if errors.Is(err, errResultRace) {
		existing, gerr := s.GetWorkerResult(ctx, r.TaskID, r.IdempotencyKey)
		if gerr != nil {
			return nil, nil, false, gerr
		}
		t, gerr := s.GetTask(ctx, r.TaskID)
		if gerr != nil {
			return nil, nil, false, gerr
		}
		return existing, t, true, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return stored, task, dup, nil
}

var errResultRace = errors.New("result inserted concurrently")

func (s *SQLStore) GetWorkerResult(ctx context.Context, taskID, idempotencyKey string) (*models.WorkerResult, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+resultCols+` FROM worker_results WHERE task_id = ? AND idempotency_key = ?`),
		taskID, idempotencyKey)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "worker result", Key: key(taskID, idempotencyKey)}
	}
	return r, err
}

func (s *SQLStore) CountWorkerResults(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM worker_results WHERE task_id = ?`), taskID).Scan(&n)
	return n, err
}

// ── Worker Store ────────────────────────────────────────────

func (s *SQLStore) UpsertWorker(ctx context.Context, w *models.Worker) error {
	caps, err := s.jsonArg(w.Capabilities)
	if err != nil {
		return err
	}
	registered := w.RegisteredAt
	if registered.IsZero() {
		registered = w.LastHeartbeat
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO workers (id, site, capabilities, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET site = excluded.site, capabilities = excluded.capabilities, last_heartbeat = excluded.last_heartbeat`),
		w.ID, w.Site, caps, micros(registered), micros(w.LastHeartbeat))
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func scanWorker(sc scanner) (*models.Worker, error) {
	var (
		w          models.Worker
		caps       []byte
		reg, heart int64
	)
	if err := sc.Scan(&w.ID, &w.Site, &caps, &reg, &heart); err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("decode worker capabilities: %w", err)
		}
	}
	w.RegisteredAt = fromMicros(reg)
	w.LastHeartbeat = fromMicros(heart)
	return &w, nil
}

func (s *SQLStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT id, site, capabilities, registered_at, last_heartbeat FROM workers WHERE id = ?`), id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "worker", Key: id}
	}
	return w, err
}

func (s *SQLStore) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, site, capabilities, registered_at, last_heartbeat FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	out := make([]models.Worker, 0)
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}
