// Package copilot implements the backend.Adapter contract for the Copilot
// CLI, driven as a one-shot argv invocation with the prompt on the command
// line and plain-text output (no JSON protocol).
package copilot

import (
	"fmt"
	"regexp"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

// http429Pattern matches an explicit HTTP-429 signal ("status: 429",
// "error=429", "code 429", ...).
var http429Pattern = regexp.MustCompile(`(?i)\b(http|status|error|code)\s*[:=-]?\s*429\b`)

// contextual429Pattern matches a bare 429 only when paired with rate-limit
// language elsewhere on the line, so "lines 429-431" never fires.
var contextual429Pattern = regexp.MustCompile(`(?i)\b429\b.*\b(too many requests|rate limit|quota)\b`)

func matches429(line string) bool {
	return http429Pattern.MatchString(line) || contextual429Pattern.MatchString(line)
}

// Adapter drives the `copilot` CLI.
type Adapter struct {
	quotaFlag bool
}

// New returns a fresh Copilot adapter for one run.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() model.Backend { return model.BackendCopilot }

func (a *Adapter) BuildArgv(workspacePath string, opts backend.RunOptions) []string {
	argv := []string{"copilot", "-p", opts.Prompt, "--allow-all", "--no-color", "--no-alt-screen"}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return argv
}

func (a *Adapter) Env() []string { return nil }

// Stdin is empty: Copilot takes the prompt as a -p command-line argument.
func (a *Adapter) Stdin(opts backend.RunOptions) string { return "" }

func (a *Adapter) ObserveLine(line string) {
	if backend.ContainsQuotaKeyword(line) || matches429(line) {
		a.quotaFlag = true
	}
}

func (a *Adapter) ParseExitCode(code int) (bool, *model.ErrorClass) {
	cls := func(c model.ErrorClass) *model.ErrorClass { return &c }
	switch {
	case code == 0:
		return true, nil
	case code == 130:
		return false, cls(model.ErrorClassUnknown)
	case code == 127:
		return false, cls(model.ErrorClassTool)
	case code == 1:
		if a.quotaFlag {
			return false, cls(model.ErrorClassQuota)
		}
		return false, cls(model.ErrorClassCode)
	default:
		return false, cls(model.ErrorClassNetwork)
	}
}

// UsageJSON is always nil: Copilot's plain-text output carries no
// structured usage data for this adapter to extract.
func (a *Adapter) UsageJSON() *string { return nil }

func (a *Adapter) IsQuotaError() bool { return a.quotaFlag }

// RequiresPTY is true: --no-alt-screen still expects a real terminal to
// attach to, even though nothing downstream interprets its escape codes.
func (a *Adapter) RequiresPTY() bool { return true }

func (a *Adapter) RemoteCommand(remoteWorktreePath string, opts backend.RunOptions) string {
	modelFlag := ""
	if opts.Model != "" {
		modelFlag = fmt.Sprintf(" --model %s", opts.Model)
	}
	return fmt.Sprintf(`copilot --allow-all --no-color --no-alt-screen -p "$_AITASK_PROMPT"%s`, modelFlag)
}

var _ backend.Adapter = (*Adapter)(nil)
