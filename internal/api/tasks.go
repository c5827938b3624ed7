package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/apperrors"
	"github.com/kandev/taskorch/internal/model"
)

// CreateTask handles POST /api/tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.deps.PromptMaxChars > 0 && len(req.Prompt) > h.deps.PromptMaxChars {
		appErr := apperrors.ValidationError("prompt", fmt.Sprintf("exceeds max length of %d characters", h.deps.PromptMaxChars))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.deps.Store.Workspaces.Get(ctx, req.WorkspaceID); err != nil {
		appErr := apperrors.NotFound("workspace not found: " + req.WorkspaceID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	task := &model.Task{
		Title:          req.Title,
		Prompt:         req.Prompt,
		PromptHistory:  []string{req.Prompt},
		WorkspaceID:    req.WorkspaceID,
		Backend:        model.Backend(req.Backend),
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	}
	if err := h.deps.Store.Tasks.Create(ctx, task); err != nil {
		h.logger.Error("failed to create task", zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to create task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusCreated, taskToResponse(task))
}

// ListTasks handles GET /api/tasks?status=&workspace_id=.
func (h *Handler) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		tasks []*model.Task
		err   error
	)
	switch {
	case c.Query("status") != "":
		tasks, err = h.deps.Store.Tasks.ListByStatus(ctx, model.TaskStatus(c.Query("status")))
	case c.Query("workspace_id") != "":
		tasks, err = h.deps.Store.Tasks.ListByWorkspace(ctx, c.Query("workspace_id"))
	default:
		tasks, err = h.deps.Store.Tasks.List(ctx)
	}
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list tasks")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := TasksListResponse{Tasks: make([]*TaskResponse, len(tasks)), Total: len(tasks)}
	for i, t := range tasks {
		resp.Tasks[i] = taskToResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

// NextTaskNumber handles GET /api/tasks/next-number?workspace_id=.
func (h *Handler) NextTaskNumber(c *gin.Context) {
	wsID := c.Query("workspace_id")
	if wsID == "" {
		appErr := apperrors.BadRequest("workspace_id is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	ws, err := h.deps.Store.Workspaces.Get(ctx, wsID)
	if err != nil {
		appErr := apperrors.NotFound("workspace not found: " + wsID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	tasks, err := h.deps.Store.Tasks.ListByWorkspace(ctx, wsID)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list workspace tasks")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	n, title := nextTaskNumber(tasks, ws.Name)
	c.JSON(http.StatusOK, NextTaskNumberResponse{Number: n, SuggestedTitle: title})
}

// nextTaskNumber proposes the next per-workspace task index. Task ids are
// opaque uuids, not the sequential integer spec.md's "max(id)+1" literally
// describes, so the index is the workspace's task count plus one instead
// (the same COUNT-based scheme the original implementation used).
func nextTaskNumber(tasks []*model.Task, workspaceDisplay string) (int, string) {
	next := len(tasks) + 1
	return next, fmt.Sprintf("%s-%d", workspaceDisplay, next)
}

// GetTask handles GET /api/tasks/{id}.
func (h *Handler) GetTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// UpdateTask handles PATCH /api/tasks/{id} (rename only).
func (h *Handler) UpdateTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}

	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if req.Title != nil {
		task.Title = *req.Title
	}

	if err := h.deps.Store.Tasks.Update(c.Request.Context(), task); err != nil {
		appErr := apperrors.Wrap(err, "failed to update task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// DeleteTask handles DELETE /api/tasks/{id}: refused while Running, cascades
// runs via the FK's ON DELETE CASCADE, and best-effort cleans up the
// worktree/branch.
func (h *Handler) DeleteTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	if task.Status == model.TaskRunning {
		appErr := apperrors.BadRequest("cannot delete a running task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	if task.WorktreePath != "" {
		h.cleanupTaskWorktree(ctx, task)
	}

	if err := h.deps.Store.Tasks.Delete(ctx, task.ID); err != nil {
		appErr := apperrors.Wrap(err, "failed to delete task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelTask handles POST /api/tasks/{id}/cancel.
func (h *Handler) CancelTask(c *gin.Context) {
	id := c.Param("id")
	ok, err := h.deps.Executor.Cancel(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to cancel task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if !ok {
		appErr := apperrors.BadRequest("task is not Todo or Running")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.Status(http.StatusOK)
}

// RetryTask handles POST /api/tasks/{id}/retry: re-queues in place without
// touching prompt_history.
func (h *Handler) RetryTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	if task.Status != model.TaskFailed {
		appErr := apperrors.BadRequest("task is not Failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.deps.Store.Tasks.SetStatus(c.Request.Context(), task.ID, model.TaskTodo, nil); err != nil {
		appErr := apperrors.Wrap(err, "failed to requeue task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	task.Status = model.TaskTodo
	task.RunID = nil
	c.JSON(http.StatusOK, taskToResponse(task))
}

// ContinueTask handles POST /api/tasks/{id}/continue: re-queues with a new
// prompt, appended to prompt_history.
func (h *Handler) ContinueTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	if task.Status != model.TaskToReview && task.Status != model.TaskDone && task.Status != model.TaskFailed {
		appErr := apperrors.BadRequest("task is not in {ToBeReview, Done, Failed}")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req ContinueTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.deps.PromptMaxChars > 0 && len(req.Prompt) > h.deps.PromptMaxChars {
		appErr := apperrors.ValidationError("prompt", fmt.Sprintf("exceeds max length of %d characters", h.deps.PromptMaxChars))
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	task.Prompt = req.Prompt
	task.PromptHistory = append(task.PromptHistory, req.Prompt)
	task.Status = model.TaskTodo
	task.RunID = nil
	if err := h.deps.Store.Tasks.Update(ctx, task); err != nil {
		appErr := apperrors.Wrap(err, "failed to continue task")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(task))
}

// MergeTask handles POST /api/tasks/{id}/merge.
func (h *Handler) MergeTask(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	if task.Status != model.TaskToReview {
		appErr := apperrors.BadRequest("task is not ToBeReview")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.deps.Merge.Merge(c.Request.Context(), task.ID); err != nil {
		h.logger.Error("merge failed", zap.String("task_id", task.ID), zap.Error(err))
		appErr := apperrors.Wrap(err, "merge failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	merged, err := h.deps.Store.Tasks.Get(c.Request.Context(), task.ID)
	if err != nil {
		appErr := apperrors.Wrap(err, "merge succeeded but task reload failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(merged))
}

// MarkTaskDone handles POST /api/tasks/{id}/mark-done: manual Done without
// running the merge engine, still cleaning up the worktree.
func (h *Handler) MarkTaskDone(c *gin.Context) {
	task, ok := h.loadTask(c)
	if !ok {
		return
	}
	if task.Status != model.TaskToReview {
		appErr := apperrors.BadRequest("task is not ToBeReview")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := c.Request.Context()
	if task.WorktreePath != "" {
		h.cleanupTaskWorktree(ctx, task)
		task.WorktreePath = ""
		if err := h.deps.Store.Tasks.Update(ctx, task); err != nil {
			appErr := apperrors.Wrap(err, "failed to clear worktree path")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	if err := h.deps.Store.Tasks.SetStatus(ctx, task.ID, model.TaskDone, task.RunID); err != nil {
		appErr := apperrors.Wrap(err, "failed to mark task done")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	task.Status = model.TaskDone
	c.JSON(http.StatusOK, taskToResponse(task))
}

func (h *Handler) loadTask(c *gin.Context) (*model.Task, bool) {
	id := c.Param("id")
	task, err := h.deps.Store.Tasks.Get(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.NotFound("task not found: " + id)
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}
	return task, true
}

func taskToResponse(t *model.Task) *TaskResponse {
	return &TaskResponse{
		ID:             t.ID,
		Title:          t.Title,
		Prompt:         t.Prompt,
		PromptHistory:  t.PromptHistory,
		WorkspaceID:    t.WorkspaceID,
		Backend:        string(t.Backend),
		Status:         string(t.Status),
		BranchName:     t.BranchName,
		WorktreePath:   t.WorktreePath,
		Model:          t.Model,
		PermissionMode: t.PermissionMode,
		RunID:          t.RunID,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}
