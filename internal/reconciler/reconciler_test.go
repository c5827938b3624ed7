package reconciler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
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

func TestRun_PrunesMissingWorktreePath(t *testing.T) {
	s := newTestStore(t)
	wm := worktree.NewManager(nil)
	rec := New(s, wm, nil)
	ctx := context.Background()

	repo := newTestRepo(t)
	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	task.WorktreePath = filepath.Join(repo, "-task-missing")
	require.NoError(t, s.Tasks.Update(ctx, task))

	repaired, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, got.WorktreePath)
}

func TestRun_CleansUpInvalidButPresentWorktree(t *testing.T) {
	s := newTestStore(t)
	wm := worktree.NewManager(nil)
	rec := New(s, wm, nil)
	ctx := context.Background()

	repo := newTestRepo(t)
	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	// A plain directory lacking a `.git` file is present but not a valid worktree.
	badPath := filepath.Join(t.TempDir(), "not-a-worktree")
	require.NoError(t, os.MkdirAll(badPath, 0o755))
	task.WorktreePath = badPath
	require.NoError(t, s.Tasks.Update(ctx, task))

	repaired, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, repaired)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Empty(t, got.WorktreePath)
}

func TestRun_SkipsRunningTasks(t *testing.T) {
	s := newTestStore(t)
	wm := worktree.NewManager(nil)
	rec := New(s, wm, nil)
	ctx := context.Background()

	repo := newTestRepo(t)
	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	task.WorktreePath = filepath.Join(repo, "-task-missing")
	require.NoError(t, s.Tasks.Update(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, nil))

	repaired, err := rec.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, repaired)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.WorktreePath)
}

func TestRun_LeavesToBeReviewStatusAlone(t *testing.T) {
	s := newTestStore(t)
	wm := worktree.NewManager(nil)
	rec := New(s, wm, nil)
	ctx := context.Background()

	repo := newTestRepo(t)
	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	task.WorktreePath = filepath.Join(repo, "-task-missing")
	require.NoError(t, s.Tasks.Update(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskToReview, nil))

	_, err := rec.Run(ctx)
	require.NoError(t, err)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskToReview, got.Status)
	require.Empty(t, got.WorktreePath)
}
