package handlers

import (
	"net/http"

	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/pkg/response"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) handleSafeZoneCreate(c *gin.Context) {
	var in service.SafeZoneInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	zone, err := h.zones.Create(c.Request.Context(), user.ID, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "safe zone created", zone)
}

func (h *Handlers) handleSafeZoneList(c *gin.Context) {
	user := models.CurrentUser(c)
	zones, err := h.zones.List(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"zones": zones, "count": len(zones)})
}

func (h *Handlers) handleSafeZoneGet(c *gin.Context) {
	user := models.CurrentUser(c)
	zone, err := h.zones.Get(c.Request.Context(), user.ID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", zone)
}

func (h *Handlers) handleSafeZoneUpdate(c *gin.Context) {
	var in service.SafeZoneInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	zone, err := h.zones.Update(c.Request.Context(), user.ID, c.Param("id"), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "safe zone updated", zone)
}

func (h *Handlers) handleSafeZoneDelete(c *gin.Context) {
	user := models.CurrentUser(c)
	if err := h.zones.Delete(c.Request.Context(), user.ID, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "safe zone deleted", nil)
}
