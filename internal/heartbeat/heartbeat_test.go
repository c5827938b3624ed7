package heartbeat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	pool, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	require.NoError(t, err)
	return s
}

func TestTick_RegistersAndTouchesLocalRunner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hb := New(s, nil, Config{RunnerID: "runner-local", Env: "default", Capabilities: []string{"claude_code", "codex_cli"}, MaxParallel: 3})
	hb.tick(ctx)

	got, err := s.Runners.Get(ctx, "runner-local")
	require.NoError(t, err)
	require.Equal(t, model.RunnerOnline, got.Status)
	require.True(t, got.HasCapability("claude_code"))

	firstHeartbeat := got.HeartbeatAt
	time.Sleep(5 * time.Millisecond)
	hb.tick(ctx)

	got2, err := s.Runners.Get(ctx, "runner-local")
	require.NoError(t, err)
	require.True(t, got2.HeartbeatAt.After(firstHeartbeat) || got2.HeartbeatAt.Equal(firstHeartbeat))
}

func TestTick_GeneratesStableRunnerIDWhenUnset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hb := New(s, nil, Config{Env: "default", MaxParallel: 1})
	require.NotEmpty(t, hb.RunnerID())

	hb.tick(ctx)
	hb.tick(ctx)

	runners, err := s.Runners.List(ctx)
	require.NoError(t, err)
	require.Len(t, runners, 1, "repeated ticks with a stable id must not mint duplicate runner rows")
}

func TestTick_FlipsStaleRunnerOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := &model.Runner{Env: "default", Status: model.RunnerOnline, MaxParallel: 1}
	require.NoError(t, s.Runners.Create(ctx, stale))
	// Backdate the heartbeat directly via Touch is not available with a
	// custom timestamp, so drive staleness through a one-nanosecond
	// interval: any heartbeat older than 2ns is stale.
	hb := New(s, nil, Config{RunnerID: "runner-local", Interval: time.Nanosecond})
	time.Sleep(2 * time.Millisecond)
	hb.tick(ctx)

	got, err := s.Runners.Get(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunnerOffline, got.Status)
}

func TestTick_LeavesFreshRunnerOnline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := &model.Runner{Env: "default", Status: model.RunnerOnline, MaxParallel: 1}
	require.NoError(t, s.Runners.Create(ctx, fresh))

	hb := New(s, nil, Config{RunnerID: "runner-local", Interval: time.Hour})
	hb.tick(ctx)

	got, err := s.Runners.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, model.RunnerOnline, got.Status)
}
