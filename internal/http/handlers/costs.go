package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/recallhq/recall-backend/internal/costs"
	"github.com/recallhq/recall-backend/internal/http/response"
)

type CostsHandler struct {
	meter *costs.Meter
}

func NewCostsHandler(meter *costs.Meter) *CostsHandler {
	return &CostsHandler{meter: meter}
}

// GET /costs
func (h *CostsHandler) Summary(c *gin.Context) {
	daily, err := h.meter.DailyTotal(time.Now())
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"session_total_usd": h.meter.SessionTotal(),
		"daily_total_usd":   daily,
		"recent_events":     h.meter.RecentEvents(),
	})
}

// GET /costs/conversations/:id
func (h *CostsHandler) Conversation(c *gin.Context) {
	total, err := h.meter.ConversationCost(c.Param("id"))
	if err != nil {
		response.RespondAPIError(c, err)
		return
	}
	response.RespondOK(c, gin.H{
		"conversation_id": c.Param("id"),
		"cost_usd":        total,
	})
}
