package handlers

import (
	"SafeTrace/internal/models"
	"SafeTrace/pkg/websocket"

	"github.com/gin-gonic/gin"
)

// handleWebSocket upgrades the request and hands the connection to the hub.
// 鉴权走 AuthRequired，升级后的订阅校验在 hub 内部做。
func (h *Handlers) handleWebSocket(c *gin.Context) {
	user := models.CurrentUser(c)
	websocket.HandleWebSocket(h.hub, c.Writer, c.Request, user.ID)
}
