// Package codex implements the backend.Adapter contract for a one-shot
// `codex exec --json` invocation. The teacher's pkg/codex wraps a
// bidirectional ACP-style JSON-RPC session; this adapter only needs to read
// a single JSONL stream to completion, so it borrows the teacher's message
// shapes without the session/request-response machinery.
package codex

import (
	"encoding/json"
	"fmt"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

type event struct {
	Type  string `json:"type"`
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
		TotalTokens  int64 `json:"total_tokens"`
	} `json:"usage"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Adapter drives the `codex` CLI.
type Adapter struct {
	usage     *usage
	quotaFlag bool
}

// New returns a fresh Codex adapter for one run.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() model.Backend { return model.BackendCodex }

func (a *Adapter) BuildArgv(workspacePath string, opts backend.RunOptions) []string {
	argv := []string{
		"codex", "exec", "--json",
		"--ask-for-approval", "never",
		"--sandbox", "danger-full-access",
		"--cd", workspacePath,
		"--skip-git-repo-check",
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	argv = append(argv, "-")
	return argv
}

func (a *Adapter) Env() []string { return nil }

func (a *Adapter) Stdin(opts backend.RunOptions) string { return opts.Prompt }

func (a *Adapter) ObserveLine(line string) {
	var ev event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		if backend.ContainsQuotaKeyword(line) {
			a.quotaFlag = true
		}
		return
	}

	switch ev.Type {
	case "turn.completed":
		if ev.Usage != nil {
			a.usage = &usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				TotalTokens:  ev.Usage.TotalTokens,
			}
		}
	case "error":
		if backend.ContainsQuotaKeyword(ev.Message) || backend.ContainsQuotaKeyword(ev.Code) {
			a.quotaFlag = true
		}
	}

	if backend.ContainsQuotaKeyword(line) {
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

func (a *Adapter) UsageJSON() *string {
	if a.usage == nil {
		return nil
	}
	data, err := json.Marshal(a.usage)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

func (a *Adapter) IsQuotaError() bool { return a.quotaFlag }

func (a *Adapter) RequiresPTY() bool { return false }

func (a *Adapter) RemoteCommand(remoteWorktreePath string, opts backend.RunOptions) string {
	modelFlag := ""
	if opts.Model != "" {
		modelFlag = fmt.Sprintf("-m %s ", opts.Model)
	}
	return fmt.Sprintf(
		`printf '%%s' "$_AITASK_PROMPT" | codex exec --json --dangerously-bypass-approvals-and-sandbox %s-C %s -`,
		modelFlag, remoteWorktreePath,
	)
}

var _ backend.Adapter = (*Adapter)(nil)
