// Package model defines the core entities shared across the store and the
// scheduling/execution components: Workspace, Runner, Task, Run, QuotaState,
// and AppSetting.
package model

import "time"

// WorkspaceKind identifies how a workspace is reached.
type WorkspaceKind string

const (
	WorkspaceLocal        WorkspaceKind = "Local"
	WorkspaceSsh          WorkspaceKind = "Ssh"
	WorkspaceSshContainer WorkspaceKind = "SshContainer"
)

// Workspace is a git repository location a task operates on.
type Workspace struct {
	ID               string        `db:"id"`
	Name             string        `db:"name"`
	Kind             WorkspaceKind `db:"kind"`
	Path             string        `db:"path"`
	Host             string        `db:"host"`
	Port             int           `db:"port"`
	SSHUser          string        `db:"ssh_user"`
	ContainerName    string        `db:"container_name"`
	LoginShell       string        `db:"login_shell"`
	RunnerID         string        `db:"runner_id"`
	ConcurrencyLimit int           `db:"concurrency_limit"`
	// GPUIndices is a comma-separated CUDA device list (e.g. "0,1") bound
	// to this workspace; the executor forwards it to the backend adapter
	// as CUDA_VISIBLE_DEVICES so a GPU-pinned workspace never contends
	// with another workspace's task for the same device.
	GPUIndices string    `db:"gpu_indices"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// EffectiveConcurrencyLimit floors the configured limit at 1.
func (w *Workspace) EffectiveConcurrencyLimit() int {
	if w.ConcurrencyLimit < 1 {
		return 1
	}
	return w.ConcurrencyLimit
}

// RunnerStatus is the liveness state of a Runner.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "Online"
	RunnerOffline RunnerStatus = "Offline"
)

// Runner is a labeled execution endpoint advertising backend capabilities.
type Runner struct {
	ID           string       `db:"id"`
	Env          string       `db:"env"`
	Capabilities []string     `db:"-"` // stored as a joined column; see store
	Status       RunnerStatus `db:"status"`
	HeartbeatAt  time.Time    `db:"heartbeat_at"`
	MaxParallel  int          `db:"max_parallel"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

// EffectiveMaxParallel floors the configured limit at 1.
func (r *Runner) EffectiveMaxParallel() int {
	if r.MaxParallel < 1 {
		return 1
	}
	return r.MaxParallel
}

// IsStale reports whether the runner should be considered Offline given a
// heartbeat interval: stale if heartbeat_at is older than 2x the interval.
func (r *Runner) IsStale(now time.Time, heartbeatInterval time.Duration) bool {
	return now.Sub(r.HeartbeatAt) > 2*heartbeatInterval
}

// HasCapability reports whether the runner advertises the given backend.
func (r *Runner) HasCapability(backend string) bool {
	for _, c := range r.Capabilities {
		if c == backend {
			return true
		}
	}
	return false
}

// Backend identifies a supported AI CLI.
type Backend string

const (
	BackendClaudeCode Backend = "claude_code"
	BackendCodex       Backend = "codex_cli"
	BackendCopilot     Backend = "copilot"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "Todo"
	TaskRunning    TaskStatus = "Running"
	TaskToReview   TaskStatus = "ToBeReview"
	TaskDone       TaskStatus = "Done"
	TaskFailed     TaskStatus = "Failed"
)

// Task is a user request pairing a prompt with a workspace and a backend.
type Task struct {
	ID             string     `db:"id"`
	Title          string     `db:"title"`
	Prompt         string     `db:"prompt"`
	PromptHistory  []string   `db:"-"`
	WorkspaceID    string     `db:"workspace_id"`
	Backend        Backend    `db:"backend"`
	Status         TaskStatus `db:"status"`
	BranchName     string     `db:"branch_name"`
	WorktreePath   string     `db:"worktree_path"`
	Model          string     `db:"model"`
	PermissionMode string     `db:"permission_mode"`
	RunID          *string    `db:"run_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// ErrorClass classifies why a Run ended unsuccessfully.
type ErrorClass string

const (
	ErrorClassCode    ErrorClass = "Code"
	ErrorClassTool    ErrorClass = "Tool"
	ErrorClassNetwork ErrorClass = "Network"
	ErrorClassQuota   ErrorClass = "Quota"
	ErrorClassUnknown ErrorClass = "Unknown"
)

// Run is a single execution attempt of a Task.
type Run struct {
	ID            string      `db:"id"`
	TaskID        string      `db:"task_id"`
	RunnerID      string      `db:"runner_id"`
	Backend       Backend     `db:"backend"`
	StartedAt     time.Time   `db:"started_at"`
	EndedAt       *time.Time  `db:"ended_at"`
	ExitCode      *int        `db:"exit_code"`
	ErrorClass    *ErrorClass `db:"error_class"`
	LogBlob       string      `db:"log_blob"`
	UsageJSON     *string     `db:"usage_json"`
	TmuxSession   *string     `db:"tmux_session"`
}

// QuotaStateValue is the observed quota status for a provider/account.
type QuotaStateValue string

const (
	QuotaOk        QuotaStateValue = "Ok"
	QuotaExhausted QuotaStateValue = "QuotaExhausted"
	QuotaUnknown   QuotaStateValue = "Unknown"
)

// QuotaState is a per-provider quota observation.
type QuotaState struct {
	ID           string          `db:"id"`
	Provider     string          `db:"provider"`
	AccountLabel string          `db:"account_label"`
	State        QuotaStateValue `db:"state"`
	LastEventAt  time.Time       `db:"last_event_at"`
	Note         string          `db:"note"`
}

// AppSetting is a keyed string value in the settings store.
type AppSetting struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

const (
	SettingWorkspaceMaxParallel        = "workspace_max_parallel"
	DefaultWorkspaceMaxParallel        = 3
	MinWorkspaceMaxParallel            = 1
	MaxWorkspaceMaxParallel            = 20
)

// ClampWorkspaceMaxParallel clamps a requested value to [1, 20].
func ClampWorkspaceMaxParallel(v int) int {
	if v < MinWorkspaceMaxParallel {
		return MinWorkspaceMaxParallel
	}
	if v > MaxWorkspaceMaxParallel {
		return MaxWorkspaceMaxParallel
	}
	return v
}
