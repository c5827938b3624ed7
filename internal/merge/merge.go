// Package merge implements the merge engine: folding a reviewed task's
// branch back into its target branch in the task's base workspace, with
// AI-assisted conflict resolution as a last resort on local workspaces.
package merge

import (
	"context"
	"fmt"
	"strings"

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

type adapterFactory func() backend.Adapter

// Engine merges a ToBeReview task's branch into its target branch.
type Engine struct {
	store    *store.Store
	worktree *worktree.Manager
	logger   *logger.Logger
	adapters map[model.Backend]adapterFactory
}

// New constructs an Engine wired against st and wm.
func New(st *store.Store, wm *worktree.Manager, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:    st,
		worktree: wm,
		logger:   log.WithFields(zap.String("component", "merge")),
		adapters: map[model.Backend]adapterFactory{
			model.BackendClaudeCode: func() backend.Adapter { return claudecode.New() },
			model.BackendCodex:      func() backend.Adapter { return codex.New() },
			model.BackendCopilot:    func() backend.Adapter { return copilot.New() },
		},
	}
}

// baseSentinelMessage is the auto-commit message used for pending changes found
// in the base workspace while preparing for checkout/merge.
const baseSentinelMessage = "chore(merge): auto-commit pending changes before merge"

func taskCommitMessage(taskID string) string {
	return fmt.Sprintf("chore(task-%s): auto-commit pending changes before merge", taskID)
}

func canonicalBranch(taskID string) string { return worktree.BranchName(taskID) }

// Merge runs the merge algorithm for task (spec §4.6): local workspaces run
// the full algorithm including AI-assisted conflict resolution; SSH
// workspaces run the parallel variant and surface any conflict instead.
func (e *Engine) Merge(ctx context.Context, taskID string) error {
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskToReview {
		return fmt.Errorf("task %s is not in ToBeReview (status=%s)", task.ID, task.Status)
	}

	ws, err := e.store.Workspaces.Get(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}

	var mergeErr error
	if ws.Kind == model.WorkspaceLocal {
		mergeErr = e.mergeLocal(ctx, task, ws)
	} else {
		mergeErr = e.mergeRemote(ctx, task, ws)
	}
	if mergeErr != nil {
		return mergeErr
	}

	if ws.Kind == model.WorkspaceLocal && task.WorktreePath != "" {
		e.worktree.CleanupLocal(ctx, ws.Path, task.WorktreePath, task.ID)
	} else if ws.Kind != model.WorkspaceLocal && task.WorktreePath != "" {
		e.worktree.CleanupRemote(ctx, sshTargetOf(ws), ws.Path, task.WorktreePath, task.ID, wrapOf(ws))
	}

	task.WorktreePath = ""
	if err := e.store.Tasks.Update(ctx, task); err != nil {
		return err
	}
	return e.store.Tasks.SetStatus(ctx, task.ID, model.TaskDone, task.RunID)
}

// gitExec runs `git <args...>` against dir and returns its combined
// stdout+stderr, exit code, and any execution-layer error (not a nonzero
// git exit, which is reported via code with err == nil).
type gitExec func(ctx context.Context, dir string, args ...string) (string, int, error)

func localGitExec(ctx context.Context, dir string, args ...string) (string, int, error) {
	argv := append([]string{"git", "-C", dir}, args...)
	return procrunner.Exec(ctx, argv)
}

func remoteGitExec(target procrunner.SSHTarget, wrap func(string) string) gitExec {
	return func(ctx context.Context, dir string, args ...string) (string, int, error) {
		quoted := make([]string, len(args))
		for i, a := range args {
			quoted[i] = shq(a)
		}
		body := fmt.Sprintf("git -C %s %s", shq(dir), strings.Join(quoted, " "))
		return procrunner.Exec(ctx, target.Argv(wrap(body)))
	}
}

func shq(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func sshTargetOf(ws *model.Workspace) procrunner.SSHTarget {
	return procrunner.SSHTarget{Host: ws.Host, Port: ws.Port, User: ws.SSHUser}
}

func wrapOf(ws *model.Workspace) func(string) string {
	if ws.Kind != model.WorkspaceSshContainer {
		return func(body string) string { return body }
	}
	shell := ws.LoginShell
	if shell == "" {
		shell = "bash"
	}
	return func(body string) string {
		return procrunner.DockerExecWrap(ws.ContainerName, ws.Path, shell, body)
	}
}

// isClean reports whether `git status --porcelain` for dir has no output.
func isClean(ctx context.Context, run gitExec, dir string) (bool, error) {
	out, code, err := run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, fmt.Errorf("git status failed: %s", out)
	}
	return strings.TrimSpace(out) == "", nil
}

// autoCommit stages and commits any pending changes in dir. A commit that
// fails because the tree turned out clean is treated as a no-op, not an
// error, matching spec §4.6 step 2's "empty commit ... treated as a no-op".
func autoCommit(ctx context.Context, run gitExec, dir, message string) error {
	clean, err := isClean(ctx, run, dir)
	if err != nil {
		return err
	}
	if clean {
		return nil
	}
	if out, code, err := run(ctx, dir, "add", "-A"); err != nil {
		return err
	} else if code != 0 {
		return fmt.Errorf("git add failed: %s", out)
	}
	out, code, err := run(ctx, dir, "commit", "-m", message)
	if err != nil {
		return err
	}
	if code != 0 {
		if clean, cleanErr := isClean(ctx, run, dir); cleanErr == nil && clean {
			return nil
		}
		return fmt.Errorf("git commit failed: %s", out)
	}
	return nil
}

func branchExists(ctx context.Context, run gitExec, dir, branch string) bool {
	_, code, err := run(ctx, dir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil && code == 0
}

func mergeInProgress(ctx context.Context, run gitExec, dir string) bool {
	_, code, err := run(ctx, dir, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil && code == 0
}

func unmergedFiles(ctx context.Context, run gitExec, dir string) ([]string, error) {
	out, code, err := run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("git diff failed: %s", out)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			files = append(files, l)
		}
	}
	return files, nil
}

func currentBranch(ctx context.Context, run gitExec, dir string) (string, error) {
	out, code, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("git rev-parse failed: %s", out)
	}
	return strings.TrimSpace(out), nil
}

// resolveSource implements spec §4.6 step 4: the canonical task-<id> branch
// if present in the base workspace, otherwise the worktree's current branch
// provided it is not detached and exists in the base workspace.
func resolveSource(ctx context.Context, run gitExec, basePath, worktreePath, taskID string) (string, error) {
	canonical := canonicalBranch(taskID)
	if branchExists(ctx, run, basePath, canonical) {
		return canonical, nil
	}
	if worktreePath == "" {
		return "", fmt.Errorf("no %s branch in base workspace and no worktree to fall back to", canonical)
	}
	branch, err := currentBranch(ctx, run, worktreePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree's current branch: %w", err)
	}
	if branch == "" || branch == "HEAD" {
		return "", fmt.Errorf("worktree is in a detached HEAD state, no source branch to merge")
	}
	if !branchExists(ctx, run, basePath, branch) {
		return "", fmt.Errorf("worktree branch %s does not exist in base workspace", branch)
	}
	return branch, nil
}
