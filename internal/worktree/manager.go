// Package worktree provisions and cleans up the isolated git worktree each
// running task executes in, locally or on a remote host over SSH.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/procrunner"
	"go.uber.org/zap"
)

// repoLockEntry tracks a base-workspace-path mutex and its reference count,
// so concurrent provisioning against the same base repo is serialized
// without leaking a mutex per repo forever.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager provisions and tears down per-task worktrees.
type Manager struct {
	logger *logger.Logger

	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex
}

// NewManager constructs a Manager.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		logger:    log.WithFields(),
		repoLocks: make(map[string]*repoLockEntry),
	}
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	if entry, ok := m.repoLocks[repoPath]; ok {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	entry, ok := m.repoLocks[repoPath]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// BranchName is the deterministic branch a task's worktree lives on.
func BranchName(taskID string) string { return "task-" + taskID }

// desiredPath is the default local worktree path for a task before any
// fallback recovery renaming is applied.
func desiredPath(workspacePath, taskID string) string {
	return fmt.Sprintf("%s-task-%s", workspacePath, taskID)
}

// IsValid reports whether path is a usable git worktree: a directory
// containing a `.git` file (not directory — worktrees use a linked gitdir)
// whose content starts with "gitdir:".
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

// ProvisionLocal provisions (or reuses) the worktree for task against the
// local workspace at workspacePath, on base branch baseBranch. It returns
// the worktree path actually used — which may differ from the desired path
// if a fallback recovery path was chosen.
func (m *Manager) ProvisionLocal(ctx context.Context, workspacePath string, task *model.Task, baseBranch string) (string, error) {
	lock := m.getRepoLock(workspacePath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(workspacePath)
	}()

	path := task.WorktreePath
	if path == "" {
		path = desiredPath(workspacePath, task.ID)
	}

	if m.IsValid(path) {
		return path, nil
	}

	if empty, err := isEmptyDir(path); err == nil && empty {
		_ = os.Remove(path)
	} else if _, err := os.Stat(path); err == nil {
		// Exists, not empty, not a valid worktree: recover to a fresh path.
		recovered, err := nextRecoveryPath(path)
		if err != nil {
			return "", fmt.Errorf("failed to find recovery path for %s: %w", path, err)
		}
		m.logger.Warn("worktree path unusable, recovering to new path")
		path = recovered
	}

	branch := BranchName(task.ID)
	if m.branchExists(workspacePath, branch) {
		if err := m.gitWorktreeAdd(ctx, workspacePath, path, branch, ""); err != nil {
			return "", err
		}
	} else {
		if err := m.gitWorktreeAdd(ctx, workspacePath, path, branch, baseBranch); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (m *Manager) gitWorktreeAdd(ctx context.Context, workspacePath, worktreePath, branch, baseBranch string) error {
	var args []string
	if baseBranch == "" {
		args = []string{"-C", workspacePath, "worktree", "add", worktreePath, branch}
	} else {
		args = []string{"-C", workspacePath, "worktree", "add", "-b", branch, worktreePath, baseBranch}
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git worktree add failed: %w: %s", err, string(out))
	}
	return nil
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

// CurrentBranch detects the base branch of a local repo, falling back to
// "main" when detection fails.
func (m *Manager) CurrentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "main"
	}
	branch := strings.TrimSpace(string(out))
	if branch == "" {
		return "main"
	}
	return branch
}

// CleanupLocal removes a task's local worktree and branch. Each step is
// independent; failures are logged but non-fatal.
func (m *Manager) CleanupLocal(ctx context.Context, workspacePath, worktreePath, taskID string) {
	lock := m.getRepoLock(workspacePath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(workspacePath)
	}()

	if out, err := exec.CommandContext(ctx, "git", "-C", workspacePath, "worktree", "remove", "--force", worktreePath).CombinedOutput(); err != nil {
		m.logger.Warn("git worktree remove failed", zap.String("output", string(out)), zap.Error(err))
	}
	if out, err := exec.CommandContext(ctx, "git", "-C", workspacePath, "worktree", "prune").CombinedOutput(); err != nil {
		m.logger.Warn("git worktree prune failed", zap.String("output", string(out)), zap.Error(err))
	}
	if empty, err := isEmptyDir(worktreePath); err == nil && empty {
		if err := os.Remove(worktreePath); err != nil {
			m.logger.Warn("failed to remove empty worktree directory", zap.Error(err))
		}
	}
	branch := BranchName(taskID)
	if out, err := exec.CommandContext(ctx, "git", "-C", workspacePath, "branch", "-D", branch).CombinedOutput(); err != nil {
		m.logger.Warn("git branch -D failed", zap.String("output", string(out)), zap.Error(err))
	}
}

// ProvisionRemote mirrors ProvisionLocal over SSH. The workspace-kind
// command wrapping (docker exec for SshContainer) is applied by the caller
// via wrap, which is applied to every git invocation's body.
func (m *Manager) ProvisionRemote(ctx context.Context, target procrunner.SSHTarget, remotePath, repoPath string, task *model.Task, baseBranch string, wrap func(body string) string) (string, error) {
	path := task.WorktreePath
	if path == "" {
		path = remotePath
	}
	if path == "" {
		path = desiredPath(repoPath, task.ID)
	}

	if ok, err := m.remoteIsValid(ctx, target, path, wrap); err == nil && ok {
		return path, nil
	}

	branch := BranchName(task.ID)
	branchExists := m.remoteBranchExists(ctx, target, repoPath, branch, wrap)

	var body string
	if branchExists {
		body = fmt.Sprintf("git -C %s worktree add %s %s", shq(repoPath), shq(path), shq(branch))
	} else {
		body = fmt.Sprintf("git -C %s worktree add -b %s %s %s", shq(repoPath), shq(branch), shq(path), shq(baseBranch))
	}
	argv := target.Argv(wrap(body))
	out, code, err := procrunner.Exec(ctx, argv)
	if err != nil {
		return "", fmt.Errorf("ssh worktree add failed: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("remote git worktree add exited %d: %s", code, out)
	}
	return path, nil
}

func (m *Manager) remoteIsValid(ctx context.Context, target procrunner.SSHTarget, path string, wrap func(string) string) (bool, error) {
	body := fmt.Sprintf("test -e %s/.git && git -C %s rev-parse --is-inside-work-tree", shq(path), shq(path))
	argv := target.Argv(wrap(body))
	_, code, err := procrunner.Exec(ctx, argv)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (m *Manager) remoteBranchExists(ctx context.Context, target procrunner.SSHTarget, repoPath, branch string, wrap func(string) string) bool {
	body := fmt.Sprintf("git -C %s rev-parse --verify %s", shq(repoPath), shq(branch))
	argv := target.Argv(wrap(body))
	_, code, err := procrunner.Exec(ctx, argv)
	return err == nil && code == 0
}

// CleanupRemote mirrors CleanupLocal over SSH; symmetric, best-effort steps.
func (m *Manager) CleanupRemote(ctx context.Context, target procrunner.SSHTarget, repoPath, worktreePath, taskID string, wrap func(string) string) {
	branch := BranchName(taskID)
	steps := []string{
		fmt.Sprintf("git -C %s worktree remove --force %s", shq(repoPath), shq(worktreePath)),
		fmt.Sprintf("git -C %s worktree prune", shq(repoPath)),
		fmt.Sprintf("git -C %s branch -D %s", shq(repoPath), shq(branch)),
	}
	for _, body := range steps {
		argv := target.Argv(wrap(body))
		if _, _, err := procrunner.Exec(ctx, argv); err != nil {
			m.logger.Warn("remote worktree cleanup step failed", zap.Error(err))
		}
	}
}

func shq(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func isEmptyDir(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// nextRecoveryPath finds the first unused "<path>-recovered", "<path>-recovered-1", ...
func nextRecoveryPath(path string) (string, error) {
	candidate := path + "-recovered"
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}
	for i := 1; i < 1000; i++ {
		candidate = fmt.Sprintf("%s-recovered-%d", path, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("exhausted recovery path suffixes for %s", path)
}
