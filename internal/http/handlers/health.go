package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/plugins"
)

type HealthHandler struct {
	registry *plugins.Registry
	core     []plugins.CoreChecker
}

func NewHealthHandler(registry *plugins.Registry, core []plugins.CoreChecker) *HealthHandler {
	return &HealthHandler{registry: registry, core: core}
}

// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	rollup := h.registry.HealthRollup(c.Request.Context(), h.core)
	status := http.StatusOK
	if rollup.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": rollup.Status,
		"dependencies": gin.H{
			"core":    rollup.Core,
			"plugins": rollup.Plugins,
		},
	})
}

// GET /plugins
func (h *HealthHandler) ListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": h.registry.All()})
}
