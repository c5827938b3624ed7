// Package scheduler runs the periodic FIFO admission loop that promotes
// Todo tasks to Running by handing them to the executor.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/executor"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/reconciler"
	"github.com/kandev/taskorch/internal/store"
)

// DefaultInterval is the default tick period between scheduler passes.
const DefaultInterval = 2 * time.Second

// Scheduler pulls Todo tasks in FIFO order and dispatches them via the
// executor, subject to per-workspace/per-runner concurrency limits and
// runner capability. It never blocks: a tick that finds nothing dispatchable
// simply ends.
type Scheduler struct {
	store      *store.Store
	executor   *executor.Executor
	reconciler *reconciler.Reconciler
	logger     *logger.Logger
	interval   time.Duration

	// suppressed tracks (runner_id, backend) pairs already logged for a
	// capability mismatch, so the same rejection isn't logged every tick.
	suppressed   map[string]struct{}
	suppressedMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Scheduler wired against st, exec, and rec. interval <= 0
// uses DefaultInterval.
func New(st *store.Store, exec *executor.Executor, rec *reconciler.Reconciler, log *logger.Logger, interval time.Duration) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:      st,
		executor:   exec,
		reconciler: rec,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		interval:   interval,
		suppressed: make(map[string]struct{}),
	}
}

// Start begins the ticker-driven processing loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting", zap.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.processLoop(ctx)
}

// Stop halts the processing loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) processLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one reconcile-then-dispatch pass. It is the unit exercised
// directly by tests, independent of the ticker.
func (s *Scheduler) tick(ctx context.Context) {
	if s.reconciler != nil {
		repaired, err := s.reconciler.Run(ctx)
		if err != nil {
			s.logger.Warn("reconciler pass failed", zap.Error(err))
		} else if repaired > 0 {
			s.logger.Info("reconciler repaired tasks", zap.Int("count", repaired))
		}
	}

	todo, err := s.store.Tasks.ListByStatus(ctx, model.TaskTodo)
	if err != nil {
		s.logger.Error("failed to list todo tasks", zap.Error(err))
		return
	}

	for _, task := range todo {
		if err := s.tryDispatch(ctx, task); err != nil {
			s.logger.Warn("failed to evaluate task for dispatch",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// tryDispatch evaluates the admission gates in order (spec §4.1.a-f) and
// dispatches task only if every gate passes.
func (s *Scheduler) tryDispatch(ctx context.Context, task *model.Task) error {
	ws, err := s.store.Workspaces.Get(ctx, task.WorkspaceID)
	if err != nil {
		return err
	}

	runningInWorkspace, err := s.store.Workspaces.CountRunningTasks(ctx, ws.ID)
	if err != nil {
		return err
	}
	if runningInWorkspace >= ws.EffectiveConcurrencyLimit() {
		return nil
	}

	runner, err := s.store.Runners.Get(ctx, ws.RunnerID)
	if err != nil {
		return err
	}
	if runner.Status != model.RunnerOnline {
		return nil
	}

	if !runner.HasCapability(string(task.Backend)) {
		s.logCapabilityMismatchOnce(runner.ID, string(task.Backend))
		return nil
	}
	s.clearCapabilityMismatch(runner.ID, string(task.Backend))

	runningOnRunner, err := s.store.Runners.CountRunningTasks(ctx, runner.ID)
	if err != nil {
		return err
	}
	if runningOnRunner >= runner.EffectiveMaxParallel() {
		return nil
	}

	_, err = s.executor.Dispatch(ctx, task.ID)
	return err
}

func mismatchKey(runnerID, backend string) string { return runnerID + "|" + backend }

func (s *Scheduler) logCapabilityMismatchOnce(runnerID, backend string) {
	key := mismatchKey(runnerID, backend)
	s.suppressedMu.Lock()
	defer s.suppressedMu.Unlock()
	if _, already := s.suppressed[key]; already {
		return
	}
	s.suppressed[key] = struct{}{}
	s.logger.Warn("runner lacks backend capability",
		zap.String("runner_id", runnerID), zap.String("backend", backend))
}

func (s *Scheduler) clearCapabilityMismatch(runnerID, backend string) {
	key := mismatchKey(runnerID, backend)
	s.suppressedMu.Lock()
	defer s.suppressedMu.Unlock()
	delete(s.suppressed, key)
}
