package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/executor"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/reconciler"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/worktree"
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

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "init")
	return dir
}

func newTestScheduler(t *testing.T, st *store.Store) *Scheduler {
	t.Helper()
	wm := worktree.NewManager(nil)
	exec := executor.New(st, wm, nil)
	rec := reconciler.New(st, wm, nil)
	return New(st, exec, rec, nil, 0)
}

func TestTick_DispatchesOldestEligibleTaskFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	runner := &model.Runner{Env: "default", Capabilities: []string{"claude_code"}, Status: model.RunnerOnline, MaxParallel: 5}
	require.NoError(t, s.Runners.Create(ctx, runner))

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo, RunnerID: runner.ID, ConcurrencyLimit: 5}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	var ids []string
	for i := 0; i < 3; i++ {
		task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
		require.NoError(t, s.Tasks.Create(ctx, task))
		ids = append(ids, task.ID)
	}

	sched := newTestScheduler(t, s)
	sched.tick(ctx)

	for _, id := range ids {
		got, err := s.Tasks.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.TaskRunning, got.Status)
	}
}

func TestTick_RespectsWorkspaceConcurrencyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	runner := &model.Runner{Env: "default", Capabilities: []string{"claude_code"}, Status: model.RunnerOnline, MaxParallel: 5}
	require.NoError(t, s.Runners.Create(ctx, runner))

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo, RunnerID: runner.ID, ConcurrencyLimit: 1}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	var ids []string
	for i := 0; i < 2; i++ {
		task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
		require.NoError(t, s.Tasks.Create(ctx, task))
		ids = append(ids, task.ID)
	}

	sched := newTestScheduler(t, s)
	sched.tick(ctx)

	first, err := s.Tasks.Get(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, model.TaskRunning, first.Status)

	second, err := s.Tasks.Get(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, model.TaskTodo, second.Status)
}

func TestTick_RejectsOfflineRunner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	runner := &model.Runner{Env: "default", Capabilities: []string{"claude_code"}, Status: model.RunnerOffline, MaxParallel: 5}
	require.NoError(t, s.Runners.Create(ctx, runner))

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo, RunnerID: runner.ID, ConcurrencyLimit: 5}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	sched := newTestScheduler(t, s)
	sched.tick(ctx)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskTodo, got.Status)
}

func TestTick_RejectsMissingCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	runner := &model.Runner{Env: "default", Capabilities: []string{"codex_cli"}, Status: model.RunnerOnline, MaxParallel: 5}
	require.NoError(t, s.Runners.Create(ctx, runner))

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo, RunnerID: runner.ID, ConcurrencyLimit: 5}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	sched := newTestScheduler(t, s)
	sched.tick(ctx)
	sched.tick(ctx) // second tick must not log the mismatch again; behavior unaffected either way

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskTodo, got.Status)
}

func TestTick_RespectsRunnerMaxParallelAcrossWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repoA := newTestRepo(t)
	repoB := newTestRepo(t)

	runner := &model.Runner{Env: "default", Capabilities: []string{"claude_code"}, Status: model.RunnerOnline, MaxParallel: 1}
	require.NoError(t, s.Runners.Create(ctx, runner))

	wsA := &model.Workspace{Name: "a", Kind: model.WorkspaceLocal, Path: repoA, RunnerID: runner.ID, ConcurrencyLimit: 5}
	require.NoError(t, s.Workspaces.Create(ctx, wsA))
	wsB := &model.Workspace{Name: "b", Kind: model.WorkspaceLocal, Path: repoB, RunnerID: runner.ID, ConcurrencyLimit: 5}
	require.NoError(t, s.Workspaces.Create(ctx, wsB))

	taskA := &model.Task{Title: "a", Prompt: "p", WorkspaceID: wsA.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, taskA))
	taskB := &model.Task{Title: "b", Prompt: "p", WorkspaceID: wsB.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, taskB))

	sched := newTestScheduler(t, s)
	sched.tick(ctx)

	gotA, err := s.Tasks.Get(ctx, taskA.ID)
	require.NoError(t, err)
	gotB, err := s.Tasks.Get(ctx, taskB.ID)
	require.NoError(t, err)

	running := 0
	if gotA.Status == model.TaskRunning {
		running++
	}
	if gotB.Status == model.TaskRunning {
		running++
	}
	require.Equal(t, 1, running, "runner max_parallel=1 must cap total running tasks across its workspaces")
}

func TestTick_EmptyQueueNeverBlocks(t *testing.T) {
	s := newTestStore(t)
	sched := newTestScheduler(t, s)
	sched.tick(context.Background())
}
