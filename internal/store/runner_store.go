package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
)

// RunnerStore persists model.Runner rows. Capabilities are stored as a
// comma-joined column rather than a child table, since the set is small and
// queried as a whole.
type RunnerStore struct {
	pool *db.Pool
}

type runnerRow struct {
	ID           string    `db:"id"`
	Env          string    `db:"env"`
	Capabilities string    `db:"capabilities"`
	Status       string    `db:"status"`
	HeartbeatAt  time.Time `db:"heartbeat_at"`
	MaxParallel  int       `db:"max_parallel"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (row runnerRow) toModel() *model.Runner {
	var caps []string
	if row.Capabilities != "" {
		caps = strings.Split(row.Capabilities, ",")
	}
	return &model.Runner{
		ID:           row.ID,
		Env:          row.Env,
		Capabilities: caps,
		Status:       model.RunnerStatus(row.Status),
		HeartbeatAt:  row.HeartbeatAt,
		MaxParallel:  row.MaxParallel,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

const runnerColumns = `id, env, capabilities, status, heartbeat_at, max_parallel, created_at, updated_at`

// Create inserts a new runner, generating an ID if unset.
func (s *RunnerStore) Create(ctx context.Context, r *model.Runner) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.HeartbeatAt.IsZero() {
		r.HeartbeatAt = now
	}

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(`
		INSERT INTO runners (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runnerColumns)),
		r.ID, r.Env, strings.Join(r.Capabilities, ","), string(r.Status),
		r.HeartbeatAt, r.MaxParallel, r.CreatedAt, r.UpdatedAt)
	return err
}

// Get retrieves a runner by ID.
func (s *RunnerStore) Get(ctx context.Context, id string) (*model.Runner, error) {
	reader := s.pool.Reader()
	var row runnerRow
	err := reader.GetContext(ctx, &row, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM runners WHERE id = ?
	`, runnerColumns)), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("runner not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListOnline returns all runners currently marked Online.
func (s *RunnerStore) ListOnline(ctx context.Context) ([]*model.Runner, error) {
	reader := s.pool.Reader()
	var rows []runnerRow
	err := reader.SelectContext(ctx, &rows, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM runners WHERE status = ? ORDER BY id ASC
	`, runnerColumns)), string(model.RunnerOnline))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Runner, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// List returns every runner.
func (s *RunnerStore) List(ctx context.Context) ([]*model.Runner, error) {
	reader := s.pool.Reader()
	var rows []runnerRow
	err := reader.SelectContext(ctx, &rows, fmt.Sprintf(`SELECT %s FROM runners ORDER BY id ASC`, runnerColumns))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Runner, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// Upsert inserts the runner or, if it already exists, refreshes its
// heartbeat, capabilities, and status — the shape a runner's own
// self-registration/heartbeat call uses.
func (s *RunnerStore) Upsert(ctx context.Context, r *model.Runner) error {
	_, err := s.Get(ctx, r.ID)
	if err != nil {
		return s.Create(ctx, r)
	}
	return s.Touch(ctx, r.ID, r.Capabilities, model.RunnerOnline)
}

// Touch refreshes a runner's heartbeat timestamp, capability list, and
// status in one statement.
func (s *RunnerStore) Touch(ctx context.Context, id string, capabilities []string, status model.RunnerStatus) error {
	now := time.Now().UTC()
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runners SET capabilities = ?, status = ?, heartbeat_at = ?, updated_at = ?
		WHERE id = ?
	`), strings.Join(capabilities, ","), string(status), now, now, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("runner not found: %s", id)
	}
	return nil
}

// SetMaxParallel updates a runner's configured concurrency cap, the write
// path PUT /api/settings uses to re-apply a new global default to every
// known runner.
func (s *RunnerStore) SetMaxParallel(ctx context.Context, id string, maxParallel int) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runners SET max_parallel = ?, updated_at = ? WHERE id = ?
	`), maxParallel, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("runner not found: %s", id)
	}
	return nil
}

// MarkOffline flips a runner's status without touching its heartbeat, used
// by the heartbeat sweep when a runner has gone stale.
func (s *RunnerStore) MarkOffline(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runners SET status = ?, updated_at = ? WHERE id = ?
	`), string(model.RunnerOffline), time.Now().UTC(), id)
	return err
}

// CountRunningTasks returns the number of tasks currently Running on this
// runner's workspaces, used by the scheduler's per-runner admission gate.
func (s *RunnerStore) CountRunningTasks(ctx context.Context, runnerID string) (int, error) {
	reader := s.pool.Reader()
	var count int
	err := reader.GetContext(ctx, &count, reader.Rebind(`
		SELECT COUNT(*)
		FROM tasks t
		JOIN workspaces w ON w.id = t.workspace_id
		WHERE w.runner_id = ? AND t.status = ?
	`), runnerID, model.TaskRunning)
	return count, err
}
