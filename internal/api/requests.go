package api

import "time"

// CreateTaskRequest is the request body for POST /api/tasks.
type CreateTaskRequest struct {
	Title          string `json:"title" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	WorkspaceID    string `json:"workspace_id" binding:"required"`
	Backend        string `json:"backend" binding:"required"`
	Model          string `json:"model"`
	PermissionMode string `json:"permission_mode"`
}

// UpdateTaskRequest is the request body for PATCH /api/tasks/{id}.
type UpdateTaskRequest struct {
	Title *string `json:"title"`
}

// ContinueTaskRequest is the request body for POST /api/tasks/{id}/continue.
type ContinueTaskRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// TaskResponse is the JSON representation of a model.Task.
type TaskResponse struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Prompt         string    `json:"prompt"`
	PromptHistory  []string  `json:"prompt_history"`
	WorkspaceID    string    `json:"workspace_id"`
	Backend        string    `json:"backend"`
	Status         string    `json:"status"`
	BranchName     string    `json:"branch_name"`
	WorktreePath   string    `json:"worktree_path"`
	Model          string    `json:"model"`
	PermissionMode string    `json:"permission_mode"`
	RunID          *string   `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TasksListResponse wraps ListTasks results.
type TasksListResponse struct {
	Tasks []*TaskResponse `json:"tasks"`
	Total int             `json:"total"`
}

// NextTaskNumberResponse is the response body for GET /api/tasks/next-number.
type NextTaskNumberResponse struct {
	Number         int    `json:"number"`
	SuggestedTitle string `json:"suggested_title"`
}

// WorkspaceHealthResponse is the response body for GET /api/workspaces/{id}/health.
type WorkspaceHealthResponse struct {
	Reachable bool   `json:"reachable"`
	IsGit     bool   `json:"is_git"`
	Message   string `json:"message"`
}

// WorkspaceResourcesResponse is the response body for GET /api/workspaces/{id}/resources.
type WorkspaceResourcesResponse struct {
	MemoryTotalBytes int64        `json:"memory_total_bytes"`
	MemoryUsedBytes  int64        `json:"memory_used_bytes"`
	GPUs             []GPUSnapshot `json:"gpus"`
}

// GPUSnapshot is one GPU's utilization/memory snapshot, when available.
type GPUSnapshot struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	UtilizationPct int    `json:"utilization_pct"`
	MemoryUsedMiB  int64  `json:"memory_used_mib"`
	MemoryTotalMiB int64  `json:"memory_total_mib"`
}

// WorkspaceFilesResponse is the response body for GET /api/workspaces/{id}/files.
type WorkspaceFilesResponse struct {
	Paths []string `json:"paths"`
}

// SettingsResponse is the response body for GET /api/settings.
type SettingsResponse struct {
	WorkspaceMaxParallel int `json:"workspace_max_parallel"`
}

// PutSettingsRequest is the request body for PUT /api/settings.
type PutSettingsRequest struct {
	WorkspaceMaxParallel int `json:"workspace_max_parallel"`
}

// QuotaStateResponse is one provider/account's observed quota state, as
// returned by GET /api/quota.
type QuotaStateResponse struct {
	Provider     string    `json:"provider"`
	AccountLabel string    `json:"account_label"`
	State        string    `json:"state"`
	LastEventAt  time.Time `json:"last_event_at"`
	Note         string    `json:"note"`
}
