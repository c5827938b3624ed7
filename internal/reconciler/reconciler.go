// Package reconciler repairs drift between the store's worktree bookkeeping
// and what is actually on disk, for tasks whose workspace is Local.
package reconciler

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/worktree"
)

// Reconciler prunes stale worktree_path bookkeeping for non-Running tasks
// bound to Local workspaces. It never touches ToBeReview's review state.
type Reconciler struct {
	store    *store.Store
	worktree *worktree.Manager
	logger   *logger.Logger
}

// New constructs a Reconciler wired against st and wm.
func New(st *store.Store, wm *worktree.Manager, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	return &Reconciler{
		store:    st,
		worktree: wm,
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// Run performs one reconciliation pass and returns the number of tasks
// whose bookkeeping was repaired.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	tasks, err := r.store.Tasks.List(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, task := range tasks {
		if task.Status == model.TaskRunning || task.WorktreePath == "" {
			continue
		}

		ws, err := r.store.Workspaces.Get(ctx, task.WorkspaceID)
		if err != nil || ws.Kind != model.WorkspaceLocal {
			continue
		}

		changed, err := r.reconcileTask(ctx, ws, task)
		if err != nil {
			r.logger.Warn("failed to reconcile task worktree",
				zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if changed {
			repaired++
		}
	}

	return repaired, nil
}

// reconcileTask applies spec steps 1-2 to a single task, never touching
// review-state advancement (step 3 is a no-op by construction: this
// function only ever clears worktree_path, it never sets status).
func (r *Reconciler) reconcileTask(ctx context.Context, ws *model.Workspace, task *model.Task) (bool, error) {
	path := task.WorktreePath

	if _, err := os.Stat(path); os.IsNotExist(err) {
		task.WorktreePath = ""
		return true, r.store.Tasks.Update(ctx, task)
	}

	if !r.worktree.IsValid(path) {
		r.worktree.CleanupLocal(ctx, ws.Path, path, task.ID)
		task.WorktreePath = ""
		return true, r.store.Tasks.Update(ctx, task)
	}

	return false, nil
}
