package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/model"
)

// mergeLocal implements spec §4.6 steps 1-10 against a Local workspace,
// including AI-assisted conflict resolution (step 9) on a three-way
// conflict.
func (e *Engine) mergeLocal(ctx context.Context, task *model.Task, ws *model.Workspace) error {
	run := localGitExec
	base := ws.Path
	target := task.BranchName
	if target == "" {
		target = "main"
	}

	if mergeInProgress(ctx, run, base) {
		if _, code, err := run(ctx, base, "merge", "--abort"); err != nil || code != 0 {
			e.logger.Warn("failed to abort pre-existing in-progress merge", zap.String("task_id", task.ID))
		}
	}

	if task.WorktreePath != "" && e.worktree.IsValid(task.WorktreePath) {
		if err := autoCommit(ctx, run, task.WorktreePath, taskCommitMessage(task.ID)); err != nil {
			return fmt.Errorf("failed to auto-commit task worktree: %w", err)
		}
	}

	if !branchExists(ctx, run, base, target) {
		return fmt.Errorf("target branch %s does not exist in base workspace", target)
	}

	source, err := resolveSource(ctx, run, base, task.WorktreePath, task.ID)
	if err != nil {
		return err
	}

	if _, code, err := run(ctx, base, "checkout", target); err != nil {
		return fmt.Errorf("checkout of %s failed: %w", target, err)
	} else if code != 0 {
		if commitErr := autoCommit(ctx, run, base, baseSentinelMessage); commitErr != nil {
			return fmt.Errorf("checkout of %s failed and base workspace could not be auto-committed: %w", target, commitErr)
		}
		if out, code2, err2 := run(ctx, base, "checkout", target); err2 != nil || code2 != 0 {
			return fmt.Errorf("checkout of %s failed after auto-commit: %s", target, out)
		}
	}

	if err := autoCommit(ctx, run, base, baseSentinelMessage); err != nil {
		return fmt.Errorf("failed to auto-commit base workspace: %w", err)
	}

	if out, code, err := run(ctx, base, "merge", "--ff-only", source); err == nil && code == 0 {
		return nil
	} else if err != nil {
		return fmt.Errorf("ff-only merge failed: %w", err)
	} else {
		e.logger.Info("fast-forward merge not possible, trying a merge commit",
			zap.String("task_id", task.ID), zap.String("output", out))
	}

	noFFOut, code, err := run(ctx, base, "merge", "--no-ff", "--no-edit", source)
	if err != nil {
		return fmt.Errorf("three-way merge failed: %w", err)
	}
	if code == 0 {
		return nil
	}

	unmerged, err := unmergedFiles(ctx, run, base)
	if err != nil {
		return fmt.Errorf("failed to inspect unmerged files: %w", err)
	}
	if len(unmerged) == 0 {
		if _, _, abortErr := run(ctx, base, "merge", "--abort"); abortErr != nil {
			e.logger.Warn("failed to abort unresolved merge", zap.String("task_id", task.ID))
		}
		return fmt.Errorf("merge failed with no conflicts to resolve: %s", noFFOut)
	}

	if err := e.resolveConflictsWithAI(ctx, task, ws, source, noFFOut); err != nil {
		if _, _, abortErr := run(ctx, base, "merge", "--abort"); abortErr != nil {
			e.logger.Warn("failed to abort merge after AI resolution failure", zap.String("task_id", task.ID))
		}
		return err
	}
	return nil
}
