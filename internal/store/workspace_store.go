package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
)

// WorkspaceStore persists model.Workspace rows.
type WorkspaceStore struct {
	pool *db.Pool
}

// Create inserts a new workspace, assigning an ID and timestamps if unset and
// the default concurrency limit when ConcurrencyLimit is 0.
func (s *WorkspaceStore) Create(ctx context.Context, w *model.Workspace) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.ConcurrencyLimit == 0 {
		w.ConcurrencyLimit = model.DefaultWorkspaceMaxParallel
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO workspaces (
			id, name, kind, path, host, port, ssh_user, container_name,
			login_shell, runner_id, concurrency_limit, gpu_indices, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), w.ID, w.Name, w.Kind, w.Path, w.Host, w.Port, w.SSHUser, w.ContainerName,
		w.LoginShell, w.RunnerID, w.ConcurrencyLimit, w.GPUIndices, w.CreatedAt, w.UpdatedAt)
	return err
}

// Get retrieves a workspace by ID.
func (s *WorkspaceStore) Get(ctx context.Context, id string) (*model.Workspace, error) {
	reader := s.pool.Reader()
	w := &model.Workspace{}
	err := reader.GetContext(ctx, w, reader.Rebind(`
		SELECT id, name, kind, path, host, port, ssh_user, container_name,
			login_shell, runner_id, concurrency_limit, gpu_indices, created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workspace not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// List returns all workspaces ordered by name.
func (s *WorkspaceStore) List(ctx context.Context) ([]*model.Workspace, error) {
	reader := s.pool.Reader()
	var out []*model.Workspace
	err := reader.SelectContext(ctx, &out, `
		SELECT id, name, kind, path, host, port, ssh_user, container_name,
			login_shell, runner_id, concurrency_limit, gpu_indices, created_at, updated_at
		FROM workspaces ORDER BY name ASC
	`)
	return out, err
}

// ListByRunner returns workspaces bound to the given runner.
func (s *WorkspaceStore) ListByRunner(ctx context.Context, runnerID string) ([]*model.Workspace, error) {
	reader := s.pool.Reader()
	var out []*model.Workspace
	err := reader.SelectContext(ctx, &out, reader.Rebind(`
		SELECT id, name, kind, path, host, port, ssh_user, container_name,
			login_shell, runner_id, concurrency_limit, gpu_indices, created_at, updated_at
		FROM workspaces WHERE runner_id = ? ORDER BY name ASC
	`), runnerID)
	return out, err
}

// Update persists changes to an existing workspace.
func (s *WorkspaceStore) Update(ctx context.Context, w *model.Workspace) error {
	w.UpdatedAt = time.Now().UTC()
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE workspaces SET
			name = ?, kind = ?, path = ?, host = ?, port = ?, ssh_user = ?,
			container_name = ?, login_shell = ?, runner_id = ?,
			concurrency_limit = ?, gpu_indices = ?, updated_at = ?
		WHERE id = ?
	`), w.Name, w.Kind, w.Path, w.Host, w.Port, w.SSHUser, w.ContainerName,
		w.LoginShell, w.RunnerID, w.ConcurrencyLimit, w.GPUIndices, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", w.ID)
	}
	return nil
}

// Delete removes a workspace by ID.
func (s *WorkspaceStore) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

// CountRunningTasks returns the number of tasks currently Running in this
// workspace, used by the scheduler's per-workspace admission gate.
func (s *WorkspaceStore) CountRunningTasks(ctx context.Context, workspaceID string) (int, error) {
	reader := s.pool.Reader()
	var count int
	err := reader.GetContext(ctx, &count, reader.Rebind(`
		SELECT COUNT(*) FROM tasks WHERE workspace_id = ? AND status = ?
	`), workspaceID, model.TaskRunning)
	return count, err
}
