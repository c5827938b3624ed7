package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/taskorch/internal/common/apperrors"
	"github.com/kandev/taskorch/internal/model"
)

// ListQuotaStates handles GET /api/quota: every provider/account pair the
// executor has ever recorded a success or a quota error for.
func (h *Handler) ListQuotaStates(c *gin.Context) {
	states, err := h.deps.Store.Quota.List(c.Request.Context())
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list quota states")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	out := make([]QuotaStateResponse, 0, len(states))
	for _, q := range states {
		out = append(out, QuotaStateResponse{
			Provider:     q.Provider,
			AccountLabel: q.AccountLabel,
			State:        string(q.State),
			LastEventAt:  q.LastEventAt,
			Note:         q.Note,
		})
	}
	c.JSON(http.StatusOK, out)
}

// ResetQuota handles POST /api/quota/{provider}/{account}/reset: an operator
// override for when a provider's quota has recovered (or was mis-flagged)
// before the executor would otherwise observe a clean run and clear it.
func (h *Handler) ResetQuota(c *gin.Context) {
	provider := c.Param("provider")
	account := c.Param("account")

	if err := h.deps.Store.Quota.Upsert(c.Request.Context(), provider, account, model.QuotaOk, "manually reset"); err != nil {
		appErr := apperrors.Wrap(err, "failed to reset quota state")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "quota state reset to Ok"})
}
