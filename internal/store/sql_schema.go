package store

// Timestamps are unix microseconds in both dialects so values round-trip
// exactly and hash the same after reload.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS skill_executions (
	id          TEXT PRIMARY KEY,
	skill_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON skill_executions(status, created_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	sequence_num     INTEGER PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	prev_hash        TEXT NOT NULL,
	entry_hash       TEXT NOT NULL,
	action_template  TEXT NOT NULL,
	target_resource  TEXT NOT NULL,
	parameters       TEXT NOT NULL DEFAULT 'null',
	status           TEXT NOT NULL,
	requested_at     INTEGER NOT NULL,
	completed_at     INTEGER,
	result           TEXT NOT NULL DEFAULT 'null'
);

CREATE TABLE IF NOT EXISTS worker_tasks (
	id               TEXT PRIMARY KEY,
	task_type        TEXT NOT NULL,
	worker_id        TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL UNIQUE,
	payload          TEXT NOT NULL DEFAULT 'null',
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	next_retry_at    INTEGER,
	created_at       INTEGER NOT NULL,
	claimed_at       INTEGER,
	started_at       INTEGER,
	completed_at     INTEGER,
	error            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON worker_tasks(status, next_retry_at, created_at);

CREATE TABLE IF NOT EXISTS worker_results (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL,
	worker_id        TEXT NOT NULL,
	payload          TEXT NOT NULL DEFAULT 'null',
	received_at      INTEGER NOT NULL,
	UNIQUE(task_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS workers (
	id              TEXT PRIMARY KEY,
	site            TEXT NOT NULL DEFAULT '',
	capabilities    TEXT NOT NULL DEFAULT '[]',
	registered_at   INTEGER NOT NULL,
	last_heartbeat  INTEGER NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS skill_executions (
	id          TEXT PRIMARY KEY,
	skill_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL,
	data        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON skill_executions(status, created_at);

CREATE TABLE IF NOT EXISTS audit_entries (
	sequence_num     BIGINT PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	prev_hash        TEXT NOT NULL,
	entry_hash       TEXT NOT NULL,
	action_template  TEXT NOT NULL,
	target_resource  TEXT NOT NULL,
	parameters       JSONB NOT NULL DEFAULT 'null',
	status           TEXT NOT NULL,
	requested_at     BIGINT NOT NULL,
	completed_at     BIGINT,
	result           JSONB NOT NULL DEFAULT 'null'
);

CREATE TABLE IF NOT EXISTS worker_tasks (
	id               TEXT PRIMARY KEY,
	task_type        TEXT NOT NULL,
	worker_id        TEXT NOT NULL DEFAULT '',
	idempotency_key  TEXT NOT NULL UNIQUE,
	payload          JSONB NOT NULL DEFAULT 'null',
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	next_retry_at    BIGINT,
	created_at       BIGINT NOT NULL,
	claimed_at       BIGINT,
	started_at       BIGINT,
	completed_at     BIGINT,
	error            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON worker_tasks(status, next_retry_at, created_at);

CREATE TABLE IF NOT EXISTS worker_results (
	id               TEXT PRIMARY KEY,
	task_id          TEXT NOT NULL REFERENCES worker_tasks(id),
	idempotency_key  TEXT NOT NULL,
	worker_id        TEXT NOT NULL,
	payload          JSONB NOT NULL DEFAULT 'null',
	received_at      BIGINT NOT NULL,
	UNIQUE(task_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS workers (
	id              TEXT PRIMARY KEY,
	site            TEXT NOT NULL DEFAULT '',
	capabilities    JSONB NOT NULL DEFAULT '[]',
	registered_at   BIGINT NOT NULL,
	last_heartbeat  BIGINT NOT NULL
);
`
