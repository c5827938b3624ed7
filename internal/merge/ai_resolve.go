package merge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

// resolveConflictsWithAI implements spec §4.7: drive a backend-specific
// adapter against the base workspace (not the worktree) with a deterministic
// prompt describing the conflict, then re-verify the repository state.
func (e *Engine) resolveConflictsWithAI(ctx context.Context, task *model.Task, ws *model.Workspace, sourceBranch, mergeErrText string) error {
	factory, ok := e.adapters[task.Backend]
	if !ok {
		return fmt.Errorf("no adapter registered for backend %s", task.Backend)
	}
	adapter := factory()

	target := task.BranchName
	if target == "" {
		target = "main"
	}
	prompt := conflictResolutionPrompt(ws.Path, target, sourceBranch, task, mergeErrText)

	opts := backend.RunOptions{Prompt: prompt}
	noCancel := func() bool { return false }
	noFlush := func(string) {}

	result, err := backend.Drive(ctx, adapter, ws.Path, opts, noCancel, noFlush)
	if err != nil {
		return fmt.Errorf("AI conflict resolution failed to run: %w", err)
	}

	run := localGitExec
	base := ws.Path

	if unmerged, err := unmergedFiles(ctx, run, base); err != nil {
		return fmt.Errorf("failed to inspect unmerged files after AI resolution: %w", err)
	} else if len(unmerged) > 0 {
		return fmt.Errorf("AI conflict resolution left unmerged files %v; last log lines:\n%s",
			unmerged, tailLines(result.LogText, 20))
	}

	if mergeInProgress(ctx, run, base) {
		if out, code, err := run(ctx, base, "commit", "--no-edit"); err != nil {
			return fmt.Errorf("failed to complete merge commit after AI resolution: %w", err)
		} else if code != 0 {
			return fmt.Errorf("failed to complete merge commit after AI resolution: %s", out)
		}
	}

	if unmerged, err := unmergedFiles(ctx, run, base); err != nil {
		return fmt.Errorf("failed to re-inspect unmerged files after AI resolution: %w", err)
	} else if len(unmerged) > 0 {
		return fmt.Errorf("AI conflict resolution still leaves unmerged files %v", unmerged)
	}

	if mergeInProgress(ctx, run, base) {
		return fmt.Errorf("merge still in progress after AI conflict resolution")
	}

	if !result.Success {
		clean, err := isClean(ctx, run, base)
		if err == nil && clean {
			e.logger.Warn("AI conflict resolution exited non-zero but left a clean merged tree; accepting",
				zap.String("task_id", task.ID), zap.Int("exit_code", result.ExitCode))
		}
	}

	return nil
}

func conflictResolutionPrompt(repoPath, currentBranch, mergingBranch string, task *model.Task, mergeErrText string) string {
	return fmt.Sprintf(`Resolve the git merge conflict in this repository.

Repository path: %s
Current branch: %s
Merging branch: %s
Task id: %s
Task title: %s
Original task prompt: %s

The merge produced conflicts. Here is the output from the failed merge attempt:
%s

Constraints:
- Do not run git reset, git rebase, or git checkout in a way that discards changes.
- Resolve every conflicted file and stage it with git add.
- Complete the merge by leaving the working tree clean and ready for commit; do not leave any unmerged files.
`, repoPath, currentBranch, mergingBranch, task.ID, task.Title, task.Prompt, mergeErrText)
}

func tailLines(text string, n int) string {
	var nonEmpty []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	if len(nonEmpty) > n {
		nonEmpty = nonEmpty[len(nonEmpty)-n:]
	}
	return strings.Join(nonEmpty, "\n")
}
