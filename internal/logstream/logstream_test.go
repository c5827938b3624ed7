package logstream

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev/taskorch/internal/db"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	pool, err := db.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := store.New(pool)
	require.NoError(t, err)
	return s
}

func seedRunningTask(t *testing.T, s *store.Store) (*model.Task, *model.Run) {
	t.Helper()
	ctx := context.Background()

	ws := &model.Workspace{Name: "main", Kind: model.WorkspaceLocal, Path: t.TempDir()}
	require.NoError(t, s.Workspaces.Create(ctx, ws))

	task := &model.Task{Title: "t", Prompt: "p", WorkspaceID: ws.ID, Backend: model.BackendClaudeCode}
	require.NoError(t, s.Tasks.Create(ctx, task))
	require.NoError(t, s.Tasks.SetStatus(ctx, task.ID, model.TaskRunning, nil))

	run := &model.Run{TaskID: task.ID, RunnerID: "runner-1", Backend: model.BackendClaudeCode}
	require.NoError(t, s.Runs.Create(ctx, run))

	task.RunID = &run.ID
	require.NoError(t, s.Tasks.Update(ctx, task))

	return task, run
}

func TestSubscribe_SendsInitialSnapshotThenDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, run := seedRunningTask(t, s)

	require.NoError(t, s.Runs.AppendLog(ctx, run.ID, "hello "))

	st := New(s, nil)
	st.pollInterval = 5 * time.Millisecond

	var events []Event
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Runs.AppendLog(ctx, run.ID, "world")
		time.Sleep(15 * time.Millisecond)
		var code int
		_ = s.Runs.Finish(ctx, run.ID, code, nil, nil)
	}()

	err := st.Subscribe(subCtx, run.ID, func(ev Event) error {
		events = append(events, ev)
		if ev.Name == "complete" {
			return errDone
		}
		return nil
	})
	require.ErrorIs(t, err, errDone)

	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, "log", events[0].Name)
	require.Equal(t, "hello ", events[0].Data)

	var sawWorldDelta bool
	for _, ev := range events[1 : len(events)-1] {
		require.Equal(t, "log", ev.Name)
		if ev.Data == "world" {
			sawWorldDelta = true
		}
	}
	require.True(t, sawWorldDelta)

	last := events[len(events)-1]
	require.Equal(t, "complete", last.Name)
	payload, ok := last.Data.(CompletePayload)
	require.True(t, ok)
	require.Equal(t, run.ID, payload.RunID)
	require.NotNil(t, payload.ExitCode)
	require.NotNil(t, payload.EndedAt)
}

func TestSubscribe_AlreadyEndedRunEmitsSnapshotThenCompleteAndReturns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, run := seedRunningTask(t, s)

	require.NoError(t, s.Runs.AppendLog(ctx, run.ID, "done already"))
	require.NoError(t, s.Runs.Finish(ctx, run.ID, 0, nil, nil))

	st := New(s, nil)
	var events []Event
	err := st.Subscribe(ctx, run.ID, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "log", events[0].Name)
	require.Equal(t, "complete", events[1].Name)
}

func TestSubscribe_ClosesDefensivelyWhenTaskLeavesActiveStatesWithoutEndingRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task, run := seedRunningTask(t, s)

	st := New(s, nil)
	st.pollInterval = 5 * time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Tasks.SetStatus(ctx, task.ID, model.TaskFailed, nil)
	}()

	var events []Event
	err := st.Subscribe(ctx, run.ID, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, "complete", ev.Name, "run never ended; no terminal event should fire")
	}
}

func TestSnapshot_ReturnsCurrentLogBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, run := seedRunningTask(t, s)
	require.NoError(t, s.Runs.AppendLog(ctx, run.ID, "abc"))

	st := New(s, nil)
	text, err := st.Snapshot(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, "abc", text)
}

type sentinelError struct{ msg string }

func (e *sentinelError) Error() string { return e.msg }

var errDone = &sentinelError{"done"}
