// Package claudecode implements the backend.Adapter contract for the Claude
// Code CLI's stream-json protocol.
package claudecode

import (
	"encoding/json"
	"fmt"

	"github.com/kandev/taskorch/internal/backend"
	"github.com/kandev/taskorch/internal/model"
)

// cliMessage is the subset of Claude Code's stream-json message shape the
// adapter needs: usage extraction from "result" messages and quota
// detection from "error" messages. Grounded on pkg/claudecode/types.go's
// CLIMessage, cut down to these two message kinds.
type cliMessage struct {
	Type  string `json:"type"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`

	// Result-message usage fields.
	CostUSD       float64 `json:"cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`
}

type usage struct {
	CostUSD       float64 `json:"cost_usd"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	DurationMS    int64   `json:"duration_ms"`
	DurationAPIMS int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`
}

// Adapter drives the `claude` CLI.
type Adapter struct {
	usage     *usage
	quotaFlag bool
}

// New returns a fresh Claude Code adapter for one run.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Backend() model.Backend { return model.BackendClaudeCode }

func (a *Adapter) BuildArgv(workspacePath string, opts backend.RunOptions) []string {
	argv := []string{"claude", "-p", "--output-format", "stream-json", "--input-format", "text"}
	if opts.PermissionMode == "" {
		argv = append(argv, "--dangerously-skip-permissions")
	} else {
		argv = append(argv, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	return argv
}

func (a *Adapter) Env() []string {
	// Override CLAUDECODE with an empty value in the child so the CLI doesn't detect it is already
	// running inside a Claude Code session and alter its behavior.
	return []string{"CLAUDECODE="}
}

func (a *Adapter) Stdin(opts backend.RunOptions) string { return opts.Prompt }

func (a *Adapter) ObserveLine(line string) {
	var msg cliMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		// Not JSON (e.g. a warning printed to stderr-merged-into-stdout);
		// fall back to a plain keyword scan.
		if backend.ContainsQuotaKeyword(line) {
			a.quotaFlag = true
		}
		return
	}

	switch msg.Type {
	case "result":
		a.usage = &usage{
			CostUSD:       msg.CostUSD,
			TotalCostUSD:  msg.TotalCostUSD,
			DurationMS:    msg.DurationMS,
			DurationAPIMS: msg.DurationAPIMS,
			NumTurns:      msg.NumTurns,
		}
	case "error":
		if msg.Error != nil && (backend.ContainsQuotaKeyword(msg.Error.Type) || backend.ContainsQuotaKeyword(msg.Error.Message)) {
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
		return false, cls(model.ErrorClassTool)
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
	mode := opts.PermissionMode
	if mode == "" {
		mode = "dontAsk"
	}
	return fmt.Sprintf(`claude -p --output-format stream-json --permission-mode %s "$_AITASK_PROMPT"`, mode)
}

var _ backend.Adapter = (*Adapter)(nil)
