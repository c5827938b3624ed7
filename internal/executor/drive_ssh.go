package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/procrunner"
)

// exitCodeSentinelPrefix is the marker the staged remote script appends to
// its log after the driven CLI exits, distinct from the local sentinel
// format since the remote shell composes it directly with `$?`.
const exitCodeSentinelPrefix = "EXIT_CODE:"

// remoteFlushInterval mirrors backend.flushInterval for the SSH drive path,
// which accumulates its own log text independently of backend.Drive.
const remoteFlushInterval = 2 * time.Second

// driveRemote mirrors backend.Drive over an SSH target: stage a script that
// runs the backend CLI inside a detached tmux session, tail its log over a
// second SSH pipeline, and recover the exit code from the EXIT_CODE:
// sentinel the script appends. Cancellation kills the remote tmux session.
func (e *Executor) driveRemote(ctx context.Context, adapter backend.Adapter, task *model.Task, run *model.Run, ws *model.Workspace, opts backend.RunOptions, cancel procrunner.CancelPredicate) (backend.Result, error) {
	if run.TmuxSession == nil {
		return backend.Result{}, fmt.Errorf("remote run %s has no tmux session assigned", run.ID)
	}
	session := *run.TmuxSession
	target := sshTarget(ws)
	shell := loginShell(ws)

	promptB64 := procrunner.EncodeBase64(opts.Prompt)
	body := procrunner.ExportEnvPrefix(opts.ExtraEnv) +
		procrunner.PromptEnvDecode(promptB64) + adapter.RemoteCommand(task.WorktreePath, opts)
	if ws.Kind == model.WorkspaceSshContainer {
		body = procrunner.DockerExecWrap(ws.ContainerName, task.WorktreePath, shell, body)
	}
	script := procrunner.LoginShellPreamble(shell, body)
	scriptB64 := procrunner.EncodeBase64(script)

	scriptPath := fmt.Sprintf("/tmp/%s.sh", session)
	logPath := fmt.Sprintf("/tmp/%s.log", session)
	defer e.cleanupRemoteFiles(target, scriptPath, logPath)

	stageArgv := procrunner.StageAndRunTmux(target, scriptB64, scriptPath, logPath, session)
	if out, code, err := procrunner.Exec(ctx, stageArgv); err != nil || code != 0 {
		return backend.Result{}, fmt.Errorf("failed to stage remote run (exit %d): %w: %s", code, err, out)
	}

	tailCtx, tailCancel := context.WithCancel(ctx)
	defer tailCancel()

	go e.pollRemoteCancel(tailCtx, tailCancel, target, session, cancel)

	var sb strings.Builder
	lastFlush := time.Now()
	lastFlushedLen := 0
	exitCode := 1
	sawSentinel := false

	onLine := func(line string) {
		if code, ok := parseRemoteExitSentinel(line); ok {
			exitCode = code
			sawSentinel = true
			tailCancel()
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
		adapter.ObserveLine(line)

		if time.Since(lastFlush) >= remoteFlushInterval && sb.Len() != lastFlushedLen {
			e.flushFunc(run.ID)(sb.String())
			lastFlush = time.Now()
			lastFlushedLen = sb.Len()
		}
	}

	if err := procrunner.Tail(tailCtx, target, logPath, onLine); err != nil && tailCtx.Err() == nil {
		e.logger.Warn("remote log tail ended with error", zap.String("task_id", task.ID), zap.Error(err))
	}

	cancelled := !sawSentinel && cancel != nil && cancel()
	if cancelled {
		exitCode = 130
	}

	success, errClass := adapter.ParseExitCode(exitCode)
	e.flushFunc(run.ID)(sb.String())

	return backend.Result{
		ExitCode:   exitCode,
		Success:    success,
		ErrorClass: errClass,
		UsageJSON:  adapter.UsageJSON(),
		IsQuota:    adapter.IsQuotaError(),
		LogText:    sb.String(),
	}, nil
}

// pollRemoteCancel watches the cancel predicate at the same cadence as the
// local driver; once it fires it kills the remote tmux session and then
// calls stop, which cancels the tail's context and so ends the `tail -F`
// pipeline.
func (e *Executor) pollRemoteCancel(ctx context.Context, stop context.CancelFunc, target procrunner.SSHTarget, session string, cancel procrunner.CancelPredicate) {
	if cancel == nil {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancel() {
				killCtx, killCancel := context.WithTimeout(context.Background(), procrunner.SSHConnectTimeout+5*time.Second)
				if _, _, err := procrunner.Exec(killCtx, procrunner.KillTmuxSession(target, session)); err != nil {
					e.logger.Warn("failed to kill remote tmux session", zap.String("session", session), zap.Error(err))
				}
				killCancel()
				stop()
				return
			}
		}
	}
}

func (e *Executor) cleanupRemoteFiles(target procrunner.SSHTarget, paths ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), procrunner.SSHConnectTimeout+5*time.Second)
	defer cancel()
	if _, _, err := procrunner.Exec(ctx, procrunner.CleanupRemoteFiles(target, paths...)); err != nil {
		e.logger.Warn("failed to clean up remote run files", zap.Error(err))
	}
}

func parseRemoteExitSentinel(line string) (int, bool) {
	idx := strings.Index(line, exitCodeSentinelPrefix)
	if idx < 0 {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(exitCodeSentinelPrefix):]))
	if err != nil {
		return 0, false
	}
	return code, true
}
