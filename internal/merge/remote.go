package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/model"
)

// mergeRemote implements the SSH variant of spec §4.6: identical steps
// 1-8, but on a conflict (step 9) it never attempts AI resolution — it
// aborts and surfaces the conflict, per spec §4.7's "SSH merges do not
// attempt AI conflict resolution".
func (e *Engine) mergeRemote(ctx context.Context, task *model.Task, ws *model.Workspace) error {
	run := remoteGitExec(sshTargetOf(ws), wrapOf(ws))
	base := ws.Path

	branch := task.BranchName
	if branch == "" {
		branch = "main"
	}

	if mergeInProgress(ctx, run, base) {
		if _, code, err := run(ctx, base, "merge", "--abort"); err != nil || code != 0 {
			e.logger.Warn("failed to abort pre-existing in-progress merge", zap.String("task_id", task.ID))
		}
	}

	if task.WorktreePath != "" {
		if err := autoCommit(ctx, run, task.WorktreePath, taskCommitMessage(task.ID)); err != nil {
			return fmt.Errorf("failed to auto-commit task worktree: %w", err)
		}
	}

	if !branchExists(ctx, run, base, branch) {
		return fmt.Errorf("target branch %s does not exist in base workspace", branch)
	}

	source, err := resolveSource(ctx, run, base, task.WorktreePath, task.ID)
	if err != nil {
		return err
	}

	if _, code, err := run(ctx, base, "checkout", branch); err != nil {
		return fmt.Errorf("checkout of %s failed: %w", branch, err)
	} else if code != 0 {
		if commitErr := autoCommit(ctx, run, base, baseSentinelMessage); commitErr != nil {
			return fmt.Errorf("checkout of %s failed and base workspace could not be auto-committed: %w", branch, commitErr)
		}
		if out, code2, err2 := run(ctx, base, "checkout", branch); err2 != nil || code2 != 0 {
			return fmt.Errorf("checkout of %s failed after auto-commit: %s", branch, out)
		}
	}

	if err := autoCommit(ctx, run, base, baseSentinelMessage); err != nil {
		return fmt.Errorf("failed to auto-commit base workspace: %w", err)
	}

	if _, code, err := run(ctx, base, "merge", "--ff-only", source); err == nil && code == 0 {
		return nil
	} else if err != nil {
		return fmt.Errorf("ff-only merge failed: %w", err)
	}

	noFFOut, code, err := run(ctx, base, "merge", "--no-ff", "--no-edit", source)
	if err != nil {
		return fmt.Errorf("three-way merge failed: %w", err)
	}
	if code == 0 {
		return nil
	}

	if _, _, abortErr := run(ctx, base, "merge", "--abort"); abortErr != nil {
		e.logger.Warn("failed to abort conflicted remote merge", zap.String("task_id", task.ID))
	}
	return fmt.Errorf("merge produced conflicts and SSH workspaces do not attempt AI-assisted resolution: %s", noFFOut)
}
