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

// QuotaStateStore persists model.QuotaState rows, one per (provider,
// account_label) pair.
type QuotaStateStore struct {
	pool *db.Pool
}

const quotaColumns = `id, provider, account_label, state, last_event_at, note`

// Get retrieves the quota state for a provider/account pair, if recorded.
func (s *QuotaStateStore) Get(ctx context.Context, provider, accountLabel string) (*model.QuotaState, error) {
	reader := s.pool.Reader()
	q := &model.QuotaState{}
	err := reader.GetContext(ctx, q, reader.Rebind(fmt.Sprintf(`
		SELECT %s FROM quota_states WHERE provider = ? AND account_label = ?
	`, quotaColumns)), provider, accountLabel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// List returns all recorded quota states.
func (s *QuotaStateStore) List(ctx context.Context) ([]*model.QuotaState, error) {
	reader := s.pool.Reader()
	var out []*model.QuotaState
	err := reader.SelectContext(ctx, &out, fmt.Sprintf(`SELECT %s FROM quota_states ORDER BY provider, account_label`, quotaColumns))
	return out, err
}

// Upsert records a quota observation, inserting or overwriting the existing
// row for this provider/account pair.
func (s *QuotaStateStore) Upsert(ctx context.Context, provider, accountLabel string, state model.QuotaStateValue, note string) error {
	writer := s.pool.Writer()
	existing, err := s.Get(ctx, provider, accountLabel)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if existing == nil {
		_, err := writer.ExecContext(ctx, writer.Rebind(fmt.Sprintf(`
			INSERT INTO quota_states (%s) VALUES (?, ?, ?, ?, ?, ?)
		`, quotaColumns)), uuid.New().String(), provider, accountLabel, string(state), now, note)
		return err
	}
	_, err = writer.ExecContext(ctx, writer.Rebind(`
		UPDATE quota_states SET state = ?, last_event_at = ?, note = ?
		WHERE provider = ? AND account_label = ?
	`), string(state), now, note, provider, accountLabel)
	return err
}

// IsExhausted reports whether the given provider/account pair is currently
// marked QuotaExhausted.
func (s *QuotaStateStore) IsExhausted(ctx context.Context, provider, accountLabel string) (bool, error) {
	q, err := s.Get(ctx, provider, accountLabel)
	if err != nil {
		return false, err
	}
	if q == nil {
		return false, nil
	}
	return q.State == model.QuotaExhausted, nil
}
