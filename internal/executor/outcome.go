package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

// finishRun persists the terminal outcome of a run: final log text, exit
// code, error class, usage, and the task's resulting status. It always
// removes the task from the cancel-requested set, even on a persistence
// error, since the background activity is terminating either way.
func (e *Executor) finishRun(ctx context.Context, task *model.Task, run *model.Run, result backend.Result) {
	defer e.cancelSet.Delete(task.ID)

	cancelled := result.ExitCode == 130 || e.isCancelRequested(task.ID)

	exitCode := result.ExitCode
	var errClass *model.ErrorClass
	var status model.TaskStatus

	switch {
	case cancelled:
		exitCode = 130
		unknown := model.ErrorClassUnknown
		errClass = &unknown
		status = model.TaskFailed
	case result.IsQuota && !result.Success:
		quota := model.ErrorClassQuota
		errClass = &quota
		status = model.TaskFailed
	case result.Success:
		status = model.TaskToReview
	default:
		status = model.TaskFailed
		if result.ErrorClass != nil {
			errClass = result.ErrorClass
		} else {
			unknown := model.ErrorClassUnknown
			errClass = &unknown
		}
	}

	if err := e.store.Runs.SetLog(ctx, run.ID, result.LogText); err != nil {
		e.logger.Warn("failed to persist final run log", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := e.store.Runs.Finish(ctx, run.ID, exitCode, errClass, result.UsageJSON); err != nil {
		e.logger.Error("failed to finish run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := e.store.Tasks.SetStatus(ctx, task.ID, status, &run.ID); err != nil {
		e.logger.Error("failed to finalize task status", zap.String("task_id", task.ID), zap.Error(err))
	}

	e.recordQuotaObservation(ctx, task, run, errClass, status)
}

// recordQuotaObservation best-effort upserts the provider/account quota
// state this run observed: QuotaExhausted when the adapter flagged a quota
// error, Ok when the run otherwise succeeded, clearing a stale exhausted
// flag. The account label is the runner's configured environment, since a
// quota/rate limit is tied to the credentials a runner's environment holds,
// not to an individual task or workspace.
func (e *Executor) recordQuotaObservation(ctx context.Context, task *model.Task, run *model.Run, errClass *model.ErrorClass, status model.TaskStatus) {
	isQuota := errClass != nil && *errClass == model.ErrorClassQuota
	isSuccess := status == model.TaskToReview
	if !isQuota && !isSuccess {
		return
	}

	runner, err := e.store.Runners.Get(ctx, run.RunnerID)
	if err != nil {
		e.logger.Warn("failed to load runner for quota bookkeeping", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	provider := string(task.Backend)
	state := model.QuotaOk
	note := ""
	if isQuota {
		state = model.QuotaExhausted
		note = "observed on run " + run.ID
	}
	if err := e.store.Quota.Upsert(ctx, provider, runner.Env, state, note); err != nil {
		e.logger.Warn("failed to record quota observation", zap.String("provider", provider), zap.String("account_label", runner.Env), zap.Error(err))
	}
}
