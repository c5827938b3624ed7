// Package logstream implements the §4.8 subscriber contract: tailing a
// Run's append-only log_blob from an initial snapshot through incremental
// deltas to a terminal event, independent of the transport that carries it
// (the internal/api package wires this onto gin's SSE helpers).
package logstream

import (
	"context"
	"time"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/store"
)

// DefaultPollInterval matches the ~1s cadence spec §4.8 calls for.
const DefaultPollInterval = time.Second

// Streamer tails Run log blobs for subscribers.
type Streamer struct {
	store        *store.Store
	logger       *logger.Logger
	pollInterval time.Duration
}

// New builds a Streamer polling at DefaultPollInterval.
func New(st *store.Store, log *logger.Logger) *Streamer {
	return &Streamer{store: st, logger: log, pollInterval: DefaultPollInterval}
}

// Event is one frame handed to a subscriber's emit callback.
type Event struct {
	Name string
	Data any
}

// CompletePayload is the terminal event's JSON body.
type CompletePayload struct {
	RunID    string     `json:"run_id"`
	ExitCode *int       `json:"exit_code"`
	EndedAt  *time.Time `json:"ended_at"`
}

// Snapshot returns the full log recorded so far for a run, for the
// non-streaming GET /api/logs/{run_id} endpoint.
func (s *Streamer) Snapshot(ctx context.Context, runID string) (string, error) {
	run, err := s.store.Runs.Get(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.LogBlob, nil
}

// Subscribe implements the §4.8 subscriber contract: an initial full-blob
// "log" event, delta "log" events as the blob grows, and a terminal
// "complete" event once the run ends. emit is called synchronously and in
// order; an error it returns (e.g. the client disconnected) ends the
// subscription. Subscribe blocks until the run ends, emit errors, or ctx is
// cancelled.
func (s *Streamer) Subscribe(ctx context.Context, runID string, emit func(Event) error) error {
	run, err := s.store.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	cursor := len(run.LogBlob)
	if cursor > 0 {
		if err := emit(Event{Name: "log", Data: run.LogBlob}); err != nil {
			return err
		}
	}
	if done, err := s.maybeEmitTerminal(run, emit); done || err != nil {
		return err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run, err = s.store.Runs.Get(ctx, runID)
			if err != nil {
				return err
			}
			if len(run.LogBlob) > cursor {
				delta := run.LogBlob[cursor:]
				cursor = len(run.LogBlob)
				if err := emit(Event{Name: "log", Data: delta}); err != nil {
					return err
				}
			}
			if done, err := s.maybeEmitTerminal(run, emit); done || err != nil {
				return err
			}

			task, err := s.store.Tasks.Get(ctx, run.TaskID)
			if err != nil {
				return err
			}
			if task.Status != model.TaskTodo && task.Status != model.TaskRunning {
				// Defensive close per §4.8: the task left the active states
				// without the run ever ending. The last delta was already
				// emitted above.
				return nil
			}
		}
	}
}

// maybeEmitTerminal emits the terminal "complete" event if run has ended,
// reporting whether the subscription is now over.
func (s *Streamer) maybeEmitTerminal(run *model.Run, emit func(Event) error) (bool, error) {
	if run.EndedAt == nil {
		return false, nil
	}
	err := emit(Event{Name: "complete", Data: CompletePayload{
		RunID:    run.ID,
		ExitCode: run.ExitCode,
		EndedAt:  run.EndedAt,
	}})
	return true, err
}
