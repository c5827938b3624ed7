package store

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
)

// AppSettingStore persists the flat key/value settings table.
type AppSettingStore struct {
	pool *db.Pool
}

// Get retrieves a setting by key, returning ("", false) if unset.
func (s *AppSettingStore) Get(ctx context.Context, key string) (string, bool, error) {
	reader := s.pool.Reader()
	var value string
	err := reader.GetContext(ctx, &value, reader.Rebind(`SELECT value FROM app_settings WHERE key = ?`), key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set upserts a setting value.
func (s *AppSettingStore) Set(ctx context.Context, key, value string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`), key, value)
	return err
}

// WorkspaceMaxParallel returns the configured global cap on concurrently
// running tasks per workspace, clamped to [1, 20] and defaulting to 3 when
// unset.
func (s *AppSettingStore) WorkspaceMaxParallel(ctx context.Context) (int, error) {
	raw, ok, err := s.Get(ctx, model.SettingWorkspaceMaxParallel)
	if err != nil {
		return 0, err
	}
	if !ok {
		return model.DefaultWorkspaceMaxParallel, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return model.DefaultWorkspaceMaxParallel, nil
	}
	return model.ClampWorkspaceMaxParallel(v), nil
}

// SetWorkspaceMaxParallel clamps and persists the global workspace
// concurrency cap.
func (s *AppSettingStore) SetWorkspaceMaxParallel(ctx context.Context, v int) error {
	return s.Set(ctx, model.SettingWorkspaceMaxParallel, strconv.Itoa(model.ClampWorkspaceMaxParallel(v)))
}
