package handlers

import (
	"net/http"

	"SafeTrace/pkg/middleware"
	"SafeTrace/pkg/response"

	"github.com/gin-gonic/gin"
)

// UpdateRateLimiterConfig 更新限流配置
func (h *Handlers) UpdateRateLimiterConfig(c *gin.Context) {
	var cfg middleware.RateLimiterConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request", nil)
		return
	}

	if err := middleware.SetRateLimiterConfig(cfg); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid rate format", gin.H{"error": err.Error()})
		return
	}
	response.Success(c, "rate limiter config updated", nil)
}

// HealthCheck 健康检查接口
func (h *Handlers) HealthCheck(c *gin.Context) {
	// 检查数据库连接
	sqlDB, err := h.db.DB()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database connection failed"})
		return
	}
	if err := sqlDB.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database ping failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"connections": h.hub.GetConnectionCount(),
		"sse_clients": h.feed.ClientCount(),
	})
}
