// Package executor owns a running task's lifetime: branch/worktree
// preparation, driving the backend adapter to completion (locally or over
// SSH), periodic log persistence, and cancellation.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/backend/claudecode"
	"github.com/kandev/taskorch/internal/backend/codex"
	"github.com/kandev/taskorch/internal/backend/copilot"
	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/procrunner"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/worktree"
)

// adapterFactory constructs a fresh backend.Adapter for one run.
type adapterFactory func() backend.Adapter

// Executor drives Tasks from Todo through Running to a terminal state.
type Executor struct {
	store    *store.Store
	worktree *worktree.Manager
	logger   *logger.Logger
	adapters map[model.Backend]adapterFactory

	// cancelSet is the one process-wide mutable structure outside the
	// store: task ids whose cancellation has been requested. The running
	// background drive polls it at least every 0.5s.
	cancelSet sync.Map
}

// New constructs an Executor wired against st and wm.
func New(st *store.Store, wm *worktree.Manager, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		store:    st,
		worktree: wm,
		logger:   log.WithFields(zap.String("component", "executor")),
		adapters: map[model.Backend]adapterFactory{
			model.BackendClaudeCode: func() backend.Adapter { return claudecode.New() },
			model.BackendCodex:      func() backend.Adapter { return codex.New() },
			model.BackendCopilot:    func() backend.Adapter { return copilot.New() },
		},
	}
}

// ActiveCount returns the number of tasks this process is currently
// driving in the background (an in-memory approximation used only for
// observability; the store's Running count is the source of truth used
// for admission decisions).
func (e *Executor) ActiveCount() int {
	n := 0
	e.cancelSet.Range(func(_, _ any) bool { n++; return false })
	return n
}

// Dispatch starts a Todo task's execution. It returns true iff a
// background drive was started.
func (e *Executor) Dispatch(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != model.TaskTodo {
		return false, nil
	}

	ws, err := e.store.Workspaces.Get(ctx, task.WorkspaceID)
	if err != nil {
		return false, fmt.Errorf("workspace unresolvable: %w", err)
	}
	if ws.Kind != model.WorkspaceLocal && ws.Host == "" {
		return false, fmt.Errorf("ssh workspace %s has no configured host", ws.ID)
	}

	baseBranch := task.BranchName
	if baseBranch == "" {
		baseBranch = e.detectBaseBranch(ctx, ws)
	}

	var worktreePath string
	if ws.Kind == model.WorkspaceLocal {
		worktreePath, err = e.worktree.ProvisionLocal(ctx, ws.Path, task, baseBranch)
	} else {
		target := sshTarget(ws)
		remotePath := desiredRemotePath(ws, task)
		worktreePath, err = e.worktree.ProvisionRemote(ctx, target, remotePath, ws.Path, task, baseBranch, wrapForWorkspace(ws))
	}
	if err != nil {
		return false, fmt.Errorf("failed to provision worktree: %w", err)
	}

	task.BranchName = baseBranch
	task.WorktreePath = worktreePath
	if err := e.store.Tasks.Update(ctx, task); err != nil {
		return false, fmt.Errorf("failed to persist worktree path: %w", err)
	}

	run := &model.Run{
		TaskID:    task.ID,
		RunnerID:  ws.RunnerID,
		Backend:   task.Backend,
		StartedAt: time.Now().UTC(),
	}
	if ws.Kind != model.WorkspaceLocal {
		session := tmuxSessionName(task.ID)
		run.TmuxSession = &session
	}
	if err := e.store.Runs.Create(ctx, run); err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}

	if err := e.store.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, &run.ID); err != nil {
		return false, fmt.Errorf("failed to transition task to running: %w", err)
	}
	task.Status = model.TaskRunning
	task.RunID = &run.ID

	// Detached from the dispatching request's lifetime: the run must
	// outlive the HTTP request (or scheduler tick) that started it.
	bgCtx := context.WithoutCancel(ctx)
	go e.backgroundDrive(bgCtx, task, run, ws)

	return true, nil
}

// Cancel requests cancellation of a Todo or Running task. Returns false if
// the task does not exist or is not in a cancellable state. Idempotent.
func (e *Executor) Cancel(ctx context.Context, taskID string) (bool, error) {
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return false, nil
	}
	if task.Status != model.TaskTodo && task.Status != model.TaskRunning {
		return false, nil
	}

	if task.Status == model.TaskRunning {
		e.cancelSet.Store(taskID, struct{}{})
	}

	if task.RunID != nil {
		unknown := model.ErrorClassUnknown
		if err := e.store.Runs.Finish(ctx, *task.RunID, 130, &unknown, nil); err != nil {
			e.logger.Warn("failed to finish run on cancel", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	if err := e.store.Tasks.SetStatus(ctx, taskID, model.TaskFailed, task.RunID); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Executor) isCancelRequested(taskID string) bool {
	_, ok := e.cancelSet.Load(taskID)
	return ok
}

func (e *Executor) detectBaseBranch(ctx context.Context, ws *model.Workspace) string {
	if ws.Kind == model.WorkspaceLocal {
		return e.worktree.CurrentBranch(ws.Path)
	}
	target := sshTarget(ws)
	body := fmt.Sprintf("git -C %s rev-parse --abbrev-ref HEAD", shq(ws.Path))
	out, code, err := procrunner.Exec(ctx, target.Argv(wrapForWorkspace(ws)(body)))
	if err != nil || code != 0 {
		return "main"
	}
	branch := trimNewline(out)
	if branch == "" {
		return "main"
	}
	return branch
}

func sshTarget(ws *model.Workspace) procrunner.SSHTarget {
	return procrunner.SSHTarget{Host: ws.Host, Port: ws.Port, User: ws.SSHUser}
}

func desiredRemotePath(ws *model.Workspace, task *model.Task) string {
	if task.WorktreePath != "" {
		return task.WorktreePath
	}
	return fmt.Sprintf("%s-task-%s", ws.Path, task.ID)
}

func tmuxSessionName(taskID string) string { return "aitask-" + taskID }

// wrapForWorkspace returns the shell wrapper to apply to a remote command
// body: identity for plain SSH workspaces, docker exec for SshContainer.
func wrapForWorkspace(ws *model.Workspace) func(string) string {
	if ws.Kind != model.WorkspaceSshContainer {
		return func(body string) string { return body }
	}
	shell := loginShell(ws)
	return func(body string) string {
		return procrunner.DockerExecWrap(ws.ContainerName, ws.Path, shell, body)
	}
}

func loginShell(ws *model.Workspace) string {
	if ws.LoginShell != "" {
		return ws.LoginShell
	}
	return "bash"
}
