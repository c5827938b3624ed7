package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
)

// TaskStore persists model.Task rows.
type TaskStore struct {
	pool *db.Pool
}

type taskRow struct {
	ID             string         `db:"id"`
	Title          string         `db:"title"`
	Prompt         string         `db:"prompt"`
	PromptHistory  string         `db:"prompt_history"`
	WorkspaceID    string         `db:"workspace_id"`
	Backend        string         `db:"backend"`
	Status         string         `db:"status"`
	BranchName     string         `db:"branch_name"`
	WorktreePath   string         `db:"worktree_path"`
	Model          string         `db:"model"`
	PermissionMode string         `db:"permission_mode"`
	RunID          sql.NullString `db:"run_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (row taskRow) toModel() *model.Task {
	var history []string
	if row.PromptHistory != "" {
		_ = json.Unmarshal([]byte(row.PromptHistory), &history)
	}
	t := &model.Task{
		ID:             row.ID,
		Title:          row.Title,
		Prompt:         row.Prompt,
		PromptHistory:  history,
		WorkspaceID:    row.WorkspaceID,
		Backend:        model.Backend(row.Backend),
		Status:         model.TaskStatus(row.Status),
		BranchName:     row.BranchName,
		WorktreePath:   row.WorktreePath,
		Model:          row.Model,
		PermissionMode: row.PermissionMode,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if row.RunID.Valid {
		t.RunID = &row.RunID.String
	}
	return t
}

const taskColumns = `id, title, prompt, prompt_history, workspace_id, backend, status,
	branch_name, worktree_path, model, permission_mode, run_id, created_at, updated_at`

// Create inserts a new task, assigning an ID and timestamps if unset and a
// one-entry prompt history ([Prompt]) when PromptHistory is empty.
func (s *TaskStore) Create(ctx context.Context, t *model.Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.TaskTodo
	}
	if len(t.PromptHistory) == 0 {
		t.PromptHistory = []string{t.Prompt}
	}

	historyJSON, err := json.Marshal(t.PromptHistory)
	if err != nil {
		historyJSON = []byte("[]")
	}

	writer := s.pool.Writer()
	_, err = writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(`
		INSERT INTO tasks (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskColumns)),
		t.ID, t.Title, t.Prompt, string(historyJSON), t.WorkspaceID, string(t.Backend),
		string(t.Status), t.BranchName, t.WorktreePath, t.Model, t.PermissionMode,
		nullableString(t.RunID), t.CreatedAt, t.UpdatedAt)
	return err
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	reader := s.pool.Reader()
	var row taskRow
	err := reader.GetContext(ctx, &row, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM tasks WHERE id = ?
	`, taskColumns)), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListByStatus returns tasks in the given status ordered oldest-first, the
// shape the scheduler's FIFO dequeue relies on.
func (s *TaskStore) ListByStatus(ctx context.Context, status model.TaskStatus) ([]*model.Task, error) {
	reader := s.pool.Reader()
	var rows []taskRow
	err := reader.SelectContext(ctx, &rows, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC
	`, taskColumns)), string(status))
	if err != nil {
		return nil, err
	}
	return toTaskModels(rows), nil
}

// ListByWorkspace returns all tasks for a workspace, newest first.
func (s *TaskStore) ListByWorkspace(ctx context.Context, workspaceID string) ([]*model.Task, error) {
	reader := s.pool.Reader()
	var rows []taskRow
	err := reader.SelectContext(ctx, &rows, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM tasks WHERE workspace_id = ? ORDER BY created_at DESC
	`, taskColumns)), workspaceID)
	if err != nil {
		return nil, err
	}
	return toTaskModels(rows), nil
}

// List returns every task, newest first.
func (s *TaskStore) List(ctx context.Context) ([]*model.Task, error) {
	reader := s.pool.Reader()
	var rows []taskRow
	err := reader.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT %s FROM tasks ORDER BY created_at DESC`, taskColumns))
	if err != nil {
		return nil, err
	}
	return toTaskModels(rows), nil
}

func toTaskModels(rows []taskRow) []*model.Task {
	out := make([]*model.Task, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out
}

// Update persists all mutable fields of an existing task.
func (s *TaskStore) Update(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now().UTC()

	historyJSON, err := json.Marshal(t.PromptHistory)
	if err != nil {
		historyJSON = []byte("[]")
	}

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE tasks SET
			title = ?, prompt = ?, prompt_history = ?, workspace_id = ?, backend = ?,
			status = ?, branch_name = ?, worktree_path = ?, model = ?,
			permission_mode = ?, run_id = ?, updated_at = ?
		WHERE id = ?
	`), t.Title, t.Prompt, string(historyJSON), t.WorkspaceID, string(t.Backend),
		string(t.Status), t.BranchName, t.WorktreePath, t.Model, t.PermissionMode,
		nullableString(t.RunID), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", t.ID)
	}
	return nil
}

// SetStatus updates only a task's status and run reference — the narrow
// write path the scheduler and executor use to avoid clobbering concurrent
// edits to the prompt/title made through the API.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status model.TaskStatus, runID *string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE tasks SET status = ?, run_id = ?, updated_at = ? WHERE id = ?
	`), string(status), nullableString(runID), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// Delete removes a task by ID.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
