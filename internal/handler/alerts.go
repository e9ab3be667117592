package handlers

import (
	"SafeTrace/internal/models"
	"SafeTrace/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

func (h *Handlers) handleAlertList(c *gin.Context) {
	user := models.CurrentUser(c)
	unreadOnly := cast.ToBool(c.DefaultQuery("unread", "false"))
	limit := cast.ToInt(c.DefaultQuery("limit", "50"))

	alerts, err := h.alerts.List(c.Request.Context(), user.ID, unreadOnly, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"alerts": alerts, "count": len(alerts)})
}

func (h *Handlers) handleAlertUnreadCount(c *gin.Context) {
	user := models.CurrentUser(c)
	count, err := h.alerts.UnreadCount(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"unread": count})
}

func (h *Handlers) handleAlertMarkRead(c *gin.Context) {
	user := models.CurrentUser(c)
	alert, err := h.alerts.MarkRead(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "alert marked read", alert)
}

func (h *Handlers) handleAlertMarkAllRead(c *gin.Context) {
	user := models.CurrentUser(c)
	updated, err := h.alerts.MarkAllRead(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "alerts marked read", gin.H{"updated": updated})
}

func (h *Handlers) handleAlertAcknowledge(c *gin.Context) {
	user := models.CurrentUser(c)
	alert, err := h.alerts.Acknowledge(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "alert acknowledged", alert)
}

// handleAlertFeed 告警SSE长连接，供不便开WebSocket的客户端用
func (h *Handlers) handleAlertFeed(c *gin.Context) {
	user := models.CurrentUser(c)
	h.feed.Serve(c, user.ID)
}
