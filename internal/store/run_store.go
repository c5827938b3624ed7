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

// RunStore persists model.Run rows — one per execution attempt of a task.
type RunStore struct {
	pool *db.Pool
}

type runRow struct {
	ID          string         `db:"id"`
	TaskID      string         `db:"task_id"`
	RunnerID    string         `db:"runner_id"`
	Backend     string         `db:"backend"`
	StartedAt   time.Time      `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
	ExitCode    sql.NullInt64  `db:"exit_code"`
	ErrorClass  sql.NullString `db:"error_class"`
	LogBlob     string         `db:"log_blob"`
	UsageJSON   sql.NullString `db:"usage_json"`
	TmuxSession sql.NullString `db:"tmux_session"`
}

func (row runRow) toModel() *model.Run {
	r := &model.Run{
		ID:        row.ID,
		TaskID:    row.TaskID,
		RunnerID:  row.RunnerID,
		Backend:   model.Backend(row.Backend),
		StartedAt: row.StartedAt,
		LogBlob:   row.LogBlob,
	}
	if row.EndedAt.Valid {
		r.EndedAt = &row.EndedAt.Time
	}
	if row.ExitCode.Valid {
		v := int(row.ExitCode.Int64)
		r.ExitCode = &v
	}
	if row.ErrorClass.Valid {
		v := model.ErrorClass(row.ErrorClass.String)
		r.ErrorClass = &v
	}
	if row.UsageJSON.Valid {
		r.UsageJSON = &row.UsageJSON.String
	}
	if row.TmuxSession.Valid {
		r.TmuxSession = &row.TmuxSession.String
	}
	return r
}

const runColumns = `id, task_id, runner_id, backend, started_at, ended_at,
	exit_code, error_class, log_blob, usage_json, tmux_session`

// Create inserts a new run row, assigning an ID and start time if unset.
func (s *RunStore) Create(ctx context.Context, r *model.Run) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(`
		INSERT INTO runs (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runColumns)),
		r.ID, r.TaskID, r.RunnerID, string(r.Backend), r.StartedAt,
		nullableTime(r.EndedAt), nullableInt(r.ExitCode), nullableErrorClass(r.ErrorClass),
		r.LogBlob, nullableString(r.UsageJSON), nullableString(r.TmuxSession))
	return err
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*model.Run, error) {
	reader := s.pool.Reader()
	var row runRow
	err := reader.GetContext(ctx, &row, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM runs WHERE id = ?
	`, runColumns)), id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListByTask returns all runs for a task, newest first.
func (s *RunStore) ListByTask(ctx context.Context, taskID string) ([]*model.Run, error) {
	reader := s.pool.Reader()
	var rows []runRow
	err := reader.SelectContext(ctx, &rows, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM runs WHERE task_id = ? ORDER BY started_at DESC
	`, runColumns)), taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Run, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// AppendLog appends a chunk to a run's accumulated log blob, the write path
// used while a task is actively streaming output.
func (s *RunStore) AppendLog(ctx context.Context, id, chunk string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runs SET log_blob = log_blob || ? WHERE id = ?
	`), chunk, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// SetLog replaces the run's full log_blob, skipping the write if the run has
// already ended — the durability flush the executor's background drive
// calls roughly every 2 seconds while a run is in flight.
func (s *RunStore) SetLog(ctx context.Context, id, text string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runs SET log_blob = ? WHERE id = ? AND ended_at IS NULL
	`), text, id)
	return err
}

// Finish records the terminal outcome of a run.
func (s *RunStore) Finish(ctx context.Context, id string, exitCode int, errClass *model.ErrorClass, usageJSON *string) error {
	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runs SET ended_at = ?, exit_code = ?, error_class = ?, usage_json = ?
		WHERE id = ?
	`), time.Now().UTC(), exitCode, nullableErrorClass(errClass), nullableString(usageJSON), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// SetTmuxSession records the tmux session name driving a remote run.
func (s *RunStore) SetTmuxSession(ctx context.Context, id, session string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE runs SET tmux_session = ? WHERE id = ?
	`), session, id)
	return err
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableErrorClass(v *model.ErrorClass) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*v), Valid: true}
}
