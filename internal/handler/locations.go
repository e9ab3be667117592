package handlers

import (
	"net/http"
	"time"

	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"
)

// handleLocationIngest 上报一条定位样本。
// 与 WebSocket 的 location 消息走同一条摄入管线。
func (h *Handlers) handleLocationIngest(c *gin.Context) {
	var raw service.RawSample
	if err := c.ShouldBindJSON(&raw); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	sample, err := h.locations.Ingest(c.Request.Context(), user.ID, raw)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "location recorded", sample)
}

func (h *Handlers) handleLocationLatestSelf(c *gin.Context) {
	user := models.CurrentUser(c)
	h.serveLatest(c, user.ID, user.ID)
}

func (h *Handlers) handleLocationLatest(c *gin.Context) {
	user := models.CurrentUser(c)
	h.serveLatest(c, user.ID, c.Param("id"))
}

func (h *Handlers) serveLatest(c *gin.Context, viewerID, ownerID string) {
	sample, err := h.locations.Latest(c.Request.Context(), viewerID, ownerID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", sample)
}

func (h *Handlers) handleLocationHistorySelf(c *gin.Context) {
	user := models.CurrentUser(c)
	h.serveHistory(c, user.ID, user.ID)
}

func (h *Handlers) handleLocationHistory(c *gin.Context) {
	user := models.CurrentUser(c)
	h.serveHistory(c, user.ID, c.Param("id"))
}

func (h *Handlers) serveHistory(c *gin.Context, viewerID, ownerID string) {
	var since *time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.Fail(c, http.StatusBadRequest, "invalid since, expect RFC3339", nil)
			return
		}
		since = &t
	}
	limit := cast.ToInt(c.DefaultQuery("limit", "100"))

	samples, err := h.locations.History(c.Request.Context(), viewerID, ownerID, since, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"samples": samples, "count": len(samples)})
}

func (h *Handlers) handleLocationDelete(c *gin.Context) {
	user := models.CurrentUser(c)
	if err := h.locations.DeleteSample(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "location deleted", nil)
}

func (h *Handlers) handleLocationDeleteAll(c *gin.Context) {
	user := models.CurrentUser(c)
	removed, err := h.locations.DeleteAll(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "locations deleted", gin.H{"removed": removed})
}
