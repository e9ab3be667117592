package handlers

import (
	"net/http"
	"time"

	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/pkg/response"

	"github.com/gin-gonic/gin"
)

type permissionRequestBody struct {
	TargetID string `json:"target_id" binding:"required"`
	service.PermissionRequest
}

type permissionRespondBody struct {
	Approve bool `json:"approve"`
}

type permissionExtendBody struct {
	Hours int `json:"hours" binding:"required"`
}

// handlePermissionRequest 发起定位授权申请
func (h *Handlers) handlePermissionRequest(c *gin.Context) {
	var body permissionRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	perm, err := h.perms.Request(c.Request.Context(), user.ID, body.TargetID, body.PermissionRequest)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, "permission requested", perm)
}

// handlePermissionRespond 被观察方批准或拒绝
func (h *Handlers) handlePermissionRespond(c *gin.Context) {
	var body permissionRespondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	perm, err := h.perms.Respond(c.Request.Context(), c.Param("id"), user.ID, body.Approve)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "permission responded", perm)
}

func (h *Handlers) handlePermissionRevoke(c *gin.Context) {
	user := models.CurrentUser(c)
	perm, err := h.perms.Revoke(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "permission revoked", perm)
}

func (h *Handlers) handlePermissionExtend(c *gin.Context) {
	var body permissionExtendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request body", gin.H{"error": err.Error()})
		return
	}
	user := models.CurrentUser(c)
	perm, err := h.perms.ExtendExpiry(c.Request.Context(), c.Param("id"), user.ID, body.Hours)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "permission extended", perm)
}

func (h *Handlers) handlePermissionGet(c *gin.Context) {
	user := models.CurrentUser(c)
	perm, err := h.perms.Get(c.Request.Context(), c.Param("id"), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", perm)
}

func (h *Handlers) handlePermissionListMy(c *gin.Context) {
	user := models.CurrentUser(c)
	perms, err := h.perms.ListMy(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"permissions": perms, "count": len(perms)})
}

func (h *Handlers) handlePermissionListPending(c *gin.Context) {
	user := models.CurrentUser(c)
	perms, err := h.perms.ListPending(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"permissions": perms, "count": len(perms)})
}

func (h *Handlers) handlePermissionListActive(c *gin.Context) {
	user := models.CurrentUser(c)
	perms, err := h.perms.ListActive(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", gin.H{"permissions": perms, "count": len(perms), "as_of": time.Now()})
}

func (h *Handlers) handlePermissionStats(c *gin.Context) {
	user := models.CurrentUser(c)
	stats, err := h.perms.Stats(c.Request.Context(), user.ID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, "success", stats)
}
