// Package store implements the relational repositories backing the
// orchestrator's entities: workspaces, runners, tasks, runs, quota state, and
// app settings.
package store

import (
	"database/sql"
	"fmt"

	"github.com/kandev/taskorch/internal/common/sqlite"
	"github.com/kandev/taskorch/internal/db"
)

// Store bundles all repositories over a shared connection pool.
type Store struct {
	pool *db.Pool

	Workspaces *WorkspaceStore
	Runners    *RunnerStore
	Tasks      *TaskStore
	Runs       *RunStore
	Quota      *QuotaStateStore
	Settings   *AppSettingStore
}

// New opens the schema (idempotently) and returns a Store wired against pool.
func New(pool *db.Pool) (*Store, error) {
	if err := initSchema(pool); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{
		pool:       pool,
		Workspaces: &WorkspaceStore{pool: pool},
		Runners:    &RunnerStore{pool: pool},
		Tasks:      &TaskStore{pool: pool},
		Runs:       &RunStore{pool: pool},
		Quota:      &QuotaStateStore{pool: pool},
		Settings:   &AppSettingStore{pool: pool},
	}, nil
}

// Pool exposes the underlying connection pool for components (e.g. the
// executor) that need direct transactional access.
func (s *Store) Pool() *db.Pool { return s.pool }

func initSchema(pool *db.Pool) error {
	w := pool.Writer()

	if _, err := w.Exec(`
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'Local',
		path TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 0,
		ssh_user TEXT NOT NULL DEFAULT '',
		container_name TEXT NOT NULL DEFAULT '',
		login_shell TEXT NOT NULL DEFAULT '',
		runner_id TEXT NOT NULL DEFAULT '',
		concurrency_limit INTEGER NOT NULL DEFAULT 3,
		gpu_indices TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_runner_id ON workspaces(runner_id);

	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		env TEXT NOT NULL DEFAULT 'default',
		capabilities TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'Offline',
		heartbeat_at TIMESTAMP NOT NULL,
		max_parallel INTEGER NOT NULL DEFAULT 3,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runners_status ON runners(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		prompt TEXT NOT NULL DEFAULT '',
		prompt_history TEXT NOT NULL DEFAULT '[]',
		workspace_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'Todo',
		branch_name TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		permission_mode TEXT NOT NULL DEFAULT '',
		run_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(id)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_workspace_id ON tasks(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		runner_id TEXT NOT NULL DEFAULT '',
		backend TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		exit_code INTEGER,
		error_class TEXT,
		log_blob TEXT NOT NULL DEFAULT '',
		usage_json TEXT,
		tmux_session TEXT,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS quota_states (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		account_label TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'Unknown',
		last_event_at TIMESTAMP NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		UNIQUE(provider, account_label)
	);

	CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL DEFAULT ''
	);
	`); err != nil {
		return err
	}

	return runMigrations(w.DB)
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution that postdates the initial CREATE TABLE statements above. New
// columns should be added here via sqlite.EnsureColumn rather than by
// editing the CREATE TABLE statements, so existing databases upgrade in
// place.
func runMigrations(conn *sql.DB) error {
	return sqlite.EnsureColumn(conn, "tasks", "permission_mode", "TEXT NOT NULL DEFAULT ''")
}
