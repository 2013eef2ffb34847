package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/http/response"
	"github.com/recallhq/recall-backend/internal/settings"
	"github.com/recallhq/recall-backend/internal/types"
)

type SettingsHandler struct {
	store *settings.Store
}

func NewSettingsHandler(store *settings.Store) *SettingsHandler {
	return &SettingsHandler{store: store}
}

// GET /settings?category=rag
// Secrets are masked on the way out; only the settings UI reads this.
func (h *SettingsHandler) List(c *gin.Context) {
	rows, err := h.store.GetByCategory(c.Query("category"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	masked := make([]types.Setting, len(rows))
	for i, row := range rows {
		masked[i] = settings.Masked(row)
	}
	response.RespondOK(c, gin.H{"settings": masked})
}

type updateSettingsReq struct {
	Values map[string]string `json:"values" binding:"required"`
}

// POST /settings
func (h *SettingsHandler) Update(c *gin.Context) {
	var req updateSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.store.SetMany(req.Values); err != nil {
		response.RespondError(c, http.StatusBadRequest, "update_settings_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}

type resetSettingsReq struct {
	Category string `json:"category"`
}

// POST /settings/reset
func (h *SettingsHandler) Reset(c *gin.Context) {
	var req resetSettingsReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Category == "" {
		req.Category = "all"
	}
	if err := h.store.ResetDefaults(req.Category); err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"status": "ok"})
}
