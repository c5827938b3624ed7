package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

// backgroundDrive runs a dispatched task to completion and persists its
// outcome. It is started detached from the dispatching call via
// context.WithoutCancel, so it survives the scheduler tick or HTTP request
// that triggered it.
func (e *Executor) backgroundDrive(ctx context.Context, task *model.Task, run *model.Run, ws *model.Workspace) {
	factory, ok := e.adapters[task.Backend]
	if !ok {
		e.logger.Error("no adapter registered for backend",
			zap.String("task_id", task.ID), zap.String("backend", string(task.Backend)))
		unknown := model.ErrorClassUnknown
		e.finishRun(context.Background(), task, run, backend.Result{ExitCode: 1, Success: false, ErrorClass: &unknown})
		return
	}
	adapter := factory()

	opts := backend.RunOptions{Prompt: task.Prompt, Model: task.Model, PermissionMode: task.PermissionMode}
	if ws.GPUIndices != "" {
		opts.ExtraEnv = []string{"CUDA_VISIBLE_DEVICES=" + ws.GPUIndices}
	}
	cancel := func() bool { return e.isCancelRequested(task.ID) }

	var result backend.Result
	var err error
	if ws.Kind == model.WorkspaceLocal {
		result, err = backend.Drive(ctx, adapter, task.WorktreePath, opts, cancel, e.flushFunc(run.ID))
	} else {
		result, err = e.driveRemote(ctx, adapter, task, run, ws, opts, cancel)
	}
	if err != nil {
		e.logger.Error("drive failed", zap.String("task_id", task.ID), zap.Error(err))
		unknown := model.ErrorClassUnknown
		result = backend.Result{ExitCode: 1, Success: false, ErrorClass: &unknown, LogText: result.LogText}
	}

	e.finishRun(context.Background(), task, run, result)
}

// flushFunc returns the onFlush callback backend.Drive calls roughly every
// 2 seconds, replacing the run's log_blob with the accumulated text so far.
func (e *Executor) flushFunc(runID string) func(string) {
	return func(logText string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.Runs.SetLog(ctx, runID, logText); err != nil {
			e.logger.Warn("failed to flush run log", zap.String("run_id", runID), zap.Error(err))
		}
	}
}
