// Package store owns the SQLite schema and connection pool shared by the
// draft store, the orchestrator, and the DB change hook, centered on four
// tables: tasks, task_attempts, execution_processes, drafts.
package store

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	setup_script TEXT,
	cleanup_script TEXT,
	git_repo_path TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id),
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'todo',
	parent_task_attempt TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_attempts (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	executor TEXT NOT NULL,
	container_ref TEXT,
	base_branch TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_processes (
	id TEXT PRIMARY KEY,
	task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
	run_reason TEXT NOT NULL,
	executor_action TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	exit_code INTEGER,
	before_head_commit TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS executor_sessions (
	id TEXT PRIMARY KEY,
	execution_process_id TEXT NOT NULL REFERENCES execution_processes(id),
	task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
	prompt TEXT,
	session_id TEXT
);

CREATE TABLE IF NOT EXISTS drafts (
	id TEXT PRIMARY KEY,
	task_attempt_id TEXT NOT NULL REFERENCES task_attempts(id),
	draft_type TEXT NOT NULL,
	retry_process_id TEXT,
	prompt TEXT NOT NULL DEFAULT '',
	queued INTEGER NOT NULL DEFAULT 0,
	sending INTEGER NOT NULL DEFAULT 0,
	variant TEXT,
	image_ids TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(task_attempt_id, draft_type)
);

CREATE TABLE IF NOT EXISTS execution_logs (
	execution_process_id TEXT NOT NULL REFERENCES execution_processes(id),
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (execution_process_id, seq)
);

CREATE TABLE IF NOT EXISTS tags (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS task_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id),
	tag_id TEXT NOT NULL REFERENCES tags(id),
	PRIMARY KEY (task_id, tag_id)
);
`

// Migrate applies the schema, idempotently.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
