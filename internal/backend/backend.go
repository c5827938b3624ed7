// Package backend defines the adapter contract shared by the supported AI
// CLIs (Claude Code, Codex, Copilot) and the subprocess driver that runs any
// of them to completion while streaming their output.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/procrunner"
)

// RunOptions carries the per-invocation parameters an adapter's BuildArgv
// needs to assemble its command line.
type RunOptions struct {
	Prompt         string
	Model          string
	PermissionMode string

	// ExtraEnv carries "KEY=VALUE" overrides layered on top of the
	// adapter's own Env(), such as CUDA_VISIBLE_DEVICES for a workspace
	// pinned to specific GPU indices.
	ExtraEnv []string
}

// Adapter is implemented once per supported backend CLI.
type Adapter interface {
	// Backend identifies which backend this adapter drives.
	Backend() model.Backend

	// BuildArgv assembles the child process argv for workspacePath.
	BuildArgv(workspacePath string, opts RunOptions) []string

	// Env returns environment variable overrides (e.g. "CLAUDECODE=") to
	// apply on top of the inherited environment.
	Env() []string

	// Stdin returns the content to write to the child's stdin, or "" if
	// the prompt is passed on the command line instead.
	Stdin(opts RunOptions) string

	// ObserveLine is called once per line of output as a side effect while
	// the stream is consumed; implementations update their usage/quota
	// state here.
	ObserveLine(line string)

	// ParseExitCode classifies a terminal exit code into a success flag and
	// an error class (nil error class on success).
	ParseExitCode(code int) (success bool, errClass *model.ErrorClass)

	// UsageJSON returns the accumulated usage data as a JSON string, or nil
	// if nothing was observed.
	UsageJSON() *string

	// IsQuotaError reports whether a quota/rate-limit signal was observed
	// anywhere in the stream.
	IsQuotaError() bool

	// RequiresPTY reports whether this backend's CLI should be attached to
	// a pseudo-terminal rather than a plain pipe.
	RequiresPTY() bool

	// RemoteCommand returns the inner shell command line run on an SSH
	// target, referencing the $_AITASK_PROMPT variable a caller decodes
	// into the remote shell before running this command (never the raw
	// prompt text, which must never appear verbatim in a remote argv).
	RemoteCommand(remoteWorktreePath string, opts RunOptions) string
}

// ExitSentinelPrefix is the line format appended after the child exits so
// downstream readers (such as log viewers) can recover the exit code from
// the log text alone.
const ExitSentinelPrefix = "[Process exited with code "

// ExitSentinel formats the sentinel line for a given exit code.
func ExitSentinel(code int) string {
	return fmt.Sprintf("%s%d]", ExitSentinelPrefix, code)
}

// ParseExitSentinel extracts the code from a sentinel line, if line matches.
func ParseExitSentinel(line string) (int, bool) {
	if !strings.HasPrefix(line, ExitSentinelPrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(line, ExitSentinelPrefix)
	rest = strings.TrimSuffix(rest, "]")
	var code int
	if _, err := fmt.Sscanf(rest, "%d", &code); err != nil {
		return 0, false
	}
	return code, true
}

// flushInterval is how often the accumulated log is flushed to durable
// storage while a run is in flight.
const flushInterval = 2 * time.Second

// Result is the terminal outcome of driving an adapter to completion.
type Result struct {
	ExitCode   int
	Success    bool
	ErrorClass *model.ErrorClass
	UsageJSON  *string
	IsQuota    bool
	LogText    string
}

// Drive spawns the adapter's command against workspacePath, feeds every
// line through adapter.ObserveLine, accumulates the full log text, and
// flushes it to onFlush roughly every 2 seconds (skipping the call if
// nothing changed since the last flush). cancel is polled by the underlying
// procrunner driver at its own cadence (≤0.5s). A final sentinel line is
// appended to the accumulated log once the process exits.
func Drive(ctx context.Context, adapter Adapter, workspacePath string, opts RunOptions, cancel procrunner.CancelPredicate, onFlush func(logText string)) (Result, error) {
	env := adapter.Env()
	if len(opts.ExtraEnv) > 0 {
		env = append(append([]string{}, env...), opts.ExtraEnv...)
	}
	local := &procrunner.Local{
		Argv:   adapter.BuildArgv(workspacePath, opts),
		Dir:    workspacePath,
		Env:    env,
		Stdin:  adapter.Stdin(opts),
		UsePTY: adapter.RequiresPTY(),
	}

	var sb strings.Builder
	lastFlush := time.Now()
	lastFlushedLen := 0

	appendLine := func(line string) {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
		adapter.ObserveLine(line)

		if time.Since(lastFlush) >= flushInterval && sb.Len() != lastFlushedLen {
			onFlush(sb.String())
			lastFlush = time.Now()
			lastFlushedLen = sb.Len()
		}
	}

	exitCode, err := local.Run(ctx, cancel, appendLine)
	if err != nil {
		return Result{}, err
	}

	sentinel := ExitSentinel(exitCode)
	if sb.Len() > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteString(sentinel)

	// Re-read the exit code from the sentinel line just appended. That line
	// is formatted from exitCode, so the parse yields the process exit code
	// unchanged.
	if code, ok := ParseExitSentinel(sentinel); ok {
		exitCode = code
	}

	success, errClass := adapter.ParseExitCode(exitCode)

	// Final flush unconditionally, regardless of the 2s cadence.
	onFlush(sb.String())

	return Result{
		ExitCode:   exitCode,
		Success:    success,
		ErrorClass: errClass,
		UsageJSON:  adapter.UsageJSON(),
		IsQuota:    adapter.IsQuotaError(),
		LogText:    sb.String(),
	}, nil
}

// QuotaKeywords is the shared substring set every adapter's plain-text and
// structured quota detection checks against, lower-cased.
var QuotaKeywords = []string{
	"rate_limit",
	"rate limit",
	"overloaded",
	"billing",
	"quota",
	"insufficient credit",
	"usage limit",
	"too many requests",
}

// ContainsQuotaKeyword reports whether s contains any of QuotaKeywords,
// case-insensitively.
func ContainsQuotaKeyword(s string) bool {
	lower := strings.ToLower(s)
	for _, kw := range QuotaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
