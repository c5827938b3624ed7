package executor

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/backend"
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

// newTestRepo creates a local git repository with one commit on main, which
// ProvisionLocal needs to create a worktree off of.
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
	require.NoError(t, exec.Command("sh", "-c", "echo hi > "+filepath.Join(dir, "README.md")).Run())
	run("add", "README.md")
	run("commit", "-m", "init")
	return dir
}

func newTestExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	wm := worktree.NewManager(nil)
	return New(s, wm, nil), s
}

func TestDispatch_HappyPath_StartsBackgroundDrive(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "do the thing", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	started, err := e.Dispatch(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, started)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskRunning, got.Status)
	require.NotEmpty(t, got.BranchName)
	require.NotEmpty(t, got.WorktreePath)
	require.NotNil(t, got.RunID)

	run, err := s.Runs.Get(ctx, *got.RunID)
	require.NoError(t, err)
	require.Equal(t, task.ID, run.TaskID)
	require.Nil(t, run.TmuxSession)
}

func TestDispatch_NonTodoTask_IsANoop(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()
	repo := newTestRepo(t)

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: repo}
	require.NoError(t, s.Workspaces.Create(ctx, ws))
	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskDone, nil))

	started, err := e.Dispatch(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, started)
}

func TestDispatch_SSHWorkspaceMissingHost_Errors(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	ws := &model.Workspace{Name: "remote", Kind: model.WorkspaceSsh, Path: "/srv/repo"}
	require.NoError(t, s.Workspaces.Create(ctx, ws))
	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	started, err := e.Dispatch(ctx, task.ID)
	require.Error(t, err)
	require.False(t, started)
}

func TestCancel_UnknownTask_ReturnsFalse(t *testing.T) {
	e, _ := newTestExecutor(t)
	ok, err := e.Cancel(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancel_DoneTask_ReturnsFalse(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: "/repos/main"}
	require.NoError(t, s.Workspaces.Create(ctx, ws))
	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskDone, nil))

	ok, err := e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCancel_RunningTask_MarksFailedAndIsIdempotent(t *testing.T) {
	e, s := newTestExecutor(t)
	ctx := context.Background()

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: "/repos/main"}
	require.NoError(t, s.Workspaces.Create(ctx, ws))
	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))

	run := &model.Run{TaskID: task.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Runs.Create(ctx, run))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, &run.ID))

	ok, err := e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, model.TaskFailed, got.Status)
	require.True(t, e.isCancelRequested(task.ID))

	finishedRun, err := s.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, finishedRun.ExitCode)
	require.Equal(t, 130, *finishedRun.ExitCode)

	// Cancelling again is a no-op: the task is no longer Todo/Running.
	ok, err = e.Cancel(ctx, task.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFinishRun_OutcomeMatrix(t *testing.T) {
	errClassCode := model.ErrorClassCode

	cases := []struct {
		name       string
		result     backend.Result
		wantStatus model.TaskStatus
		wantExit   int
		wantClass  model.ErrorClass
	}{
		{
			name:       "success",
			result:     backend.Result{ExitCode: 0, Success: true},
			wantStatus: model.TaskToReview,
			wantExit:   0,
		},
		{
			name:       "cancelled via exit code",
			result:     backend.Result{ExitCode: 130, Success: false},
			wantStatus: model.TaskFailed,
			wantExit:   130,
			wantClass:  model.ErrorClassUnknown,
		},
		{
			name:       "quota exhausted",
			result:     backend.Result{ExitCode: 1, Success: false, IsQuota: true},
			wantStatus: model.TaskFailed,
			wantExit:   1,
			wantClass:  model.ErrorClassQuota,
		},
		{
			name:       "code failure with explicit class",
			result:     backend.Result{ExitCode: 1, Success: false, ErrorClass: &errClassCode},
			wantStatus: model.TaskFailed,
			wantExit:   1,
			wantClass:  model.ErrorClassCode,
		},
		{
			name:       "failure with no class defaults to unknown",
			result:     backend.Result{ExitCode: 1, Success: false},
			wantStatus: model.TaskFailed,
			wantExit:   1,
			wantClass:  model.ErrorClassUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, s := newTestExecutor(t)
			ctx := context.Background()

			ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: "/repos/main"}
			require.NoError(t, s.Workspaces.Create(ctx, ws))
			task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
			require.NoError(t, s.Tasks.Create(ctx, task))

			run := &model.Run{TaskID: task.ID, Backend: model.BackendClaudeCode}
			require.NoError(t, s.Runs.Create(ctx, run))
			require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, &run.ID))

			if tc.name == "cancelled via exit code" {
				e.cancelSet.Store(task.ID, struct{}{})
			}

			e.finishRun(ctx, task, run, tc.result)

			gotTask, err := s.Tasks.Get(ctx, task.ID)
			require.NoError(t, err)
			require.Equal(t, tc.wantStatus, gotTask.Status)

			gotRun, err := s.Runs.Get(ctx, run.ID)
			require.NoError(t, err)
			require.NotNil(t, gotRun.ExitCode)
			require.Equal(t, tc.wantExit, *gotRun.ExitCode)
			if tc.wantClass != "" {
				require.NotNil(t, gotRun.ErrorClass)
				require.Equal(t, tc.wantClass, *gotRun.ErrorClass)
			}

			_, stillCancelling := e.cancelSet.Load(task.ID)
			require.False(t, stillCancelling)
		})
	}
}

func TestParseRemoteExitSentinel(t *testing.T) {
	code, ok := parseRemoteExitSentinel("EXIT_CODE:0")
	require.True(t, ok)
	require.Equal(t, 0, code)

	code, ok = parseRemoteExitSentinel("some output\nEXIT_CODE:137")
	require.True(t, ok)
	require.Equal(t, 137, code)

	_, ok = parseRemoteExitSentinel("no sentinel here")
	require.False(t, ok)
}
