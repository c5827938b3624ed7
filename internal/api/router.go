// Package api wires the HTTP/JSON surface from spec §6 onto gin: one
// handler file per resource group, request/response DTOs in requests.go,
// and domain errors translated to HTTP status via internal/common/apperrors.
// This package is pure ambient wiring — the core components (scheduler,
// executor, merge engine, reconciler) never import it.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/taskorch/internal/common/logger"
	"github.com/kandev/taskorch/internal/executor"
	"github.com/kandev/taskorch/internal/logstream"
	"github.com/kandev/taskorch/internal/merge"
	"github.com/kandev/taskorch/internal/store"
	"github.com/kandev/taskorch/internal/worktree"
)

// Deps bundles everything the handlers depend on.
type Deps struct {
	Store          *store.Store
	Executor       *executor.Executor
	Merge          *merge.Engine
	Worktree       *worktree.Manager
	Logs           *logstream.Streamer
	PromptMaxChars int
}

// SetupRoutes registers every route from spec §6 onto router.
func SetupRoutes(router *gin.RouterGroup, deps Deps, log *logger.Logger) {
	h := newHandler(deps, log)

	tasks := router.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("", h.ListTasks)
		tasks.GET("/next-number", h.NextTaskNumber)
		tasks.GET("/:id", h.GetTask)
		tasks.PATCH("/:id", h.UpdateTask)
		tasks.DELETE("/:id", h.DeleteTask)
		tasks.POST("/:id/cancel", h.CancelTask)
		tasks.POST("/:id/retry", h.RetryTask)
		tasks.POST("/:id/continue", h.ContinueTask)
		tasks.POST("/:id/merge", h.MergeTask)
		tasks.POST("/:id/mark-done", h.MarkTaskDone)
	}

	logs := router.Group("/logs")
	{
		logs.GET("/:runId", h.GetLogSnapshot)
		logs.GET("/:runId/stream", h.StreamLog)
	}

	workspaces := router.Group("/workspaces")
	{
		workspaces.GET("/:id/health", h.WorkspaceHealth)
		workspaces.GET("/:id/resources", h.WorkspaceResources)
		workspaces.GET("/:id/files", h.WorkspaceFiles)
	}

	settings := router.Group("/settings")
	{
		settings.GET("", h.GetSettings)
		settings.PUT("", h.PutSettings)
	}

	quota := router.Group("/quota")
	{
		quota.GET("", h.ListQuotaStates)
		quota.POST("/:provider/:account/reset", h.ResetQuota)
	}
}
