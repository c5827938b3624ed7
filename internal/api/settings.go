package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskorch/internal/common/apperrors"
	"github.com/kandev/taskorch/internal/model"
)

// GetSettings handles GET /api/settings.
func (h *Handler) GetSettings(c *gin.Context) {
	v, err := h.deps.Store.Settings.WorkspaceMaxParallel(c.Request.Context())
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to read settings")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, SettingsResponse{WorkspaceMaxParallel: v})
}

// PutSettings handles PUT /api/settings: clamps the requested value and
// re-applies it as the concurrency cap on every workspace and runner.
func (h *Handler) PutSettings(c *gin.Context) {
	var req PutSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	clamped := model.ClampWorkspaceMaxParallel(req.WorkspaceMaxParallel)
	ctx := c.Request.Context()

	if err := h.deps.Store.Settings.SetWorkspaceMaxParallel(ctx, clamped); err != nil {
		appErr := apperrors.Wrap(err, "failed to persist settings")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	workspaces, err := h.deps.Store.Workspaces.List(ctx)
	if err != nil {
		appErr := apperrors.Wrap(err, "settings saved but workspace re-apply failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	for _, ws := range workspaces {
		ws.ConcurrencyLimit = clamped
		if err := h.deps.Store.Workspaces.Update(ctx, ws); err != nil {
			h.logger.Warn("failed to re-apply concurrency to workspace", zap.String("workspace_id", ws.ID), zap.Error(err))
		}
	}

	runners, err := h.deps.Store.Runners.List(ctx)
	if err != nil {
		appErr := apperrors.Wrap(err, "settings saved but runner re-apply failed")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	for _, r := range runners {
		if err := h.deps.Store.Runners.SetMaxParallel(ctx, r.ID, clamped); err != nil {
			h.logger.Warn("failed to re-apply concurrency to runner", zap.String("runner_id", r.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, SettingsResponse{WorkspaceMaxParallel: clamped})
}
