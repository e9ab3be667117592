package handlers

import (
	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/pkg/config"
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/metrics"
	"SafeTrace/pkg/middleware"
	"SafeTrace/pkg/sse"
	"SafeTrace/pkg/websocket"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Handlers struct {
	db        *gorm.DB
	perms     *service.PermissionService
	zones     *service.SafeZoneService
	alerts    *service.AlertService
	locations *service.IngestService
	hub       *websocket.Hub
	wsHandler *websocket.Handler
	feed      *sse.Hub
	metrics   *metrics.Metrics
}

func NewHandlers(db *gorm.DB, perms *service.PermissionService, zones *service.SafeZoneService,
	alerts *service.AlertService, locations *service.IngestService,
	hub *websocket.Hub, feed *sse.Hub, m *metrics.Metrics) *Handlers {
	return &Handlers{
		db:        db,
		perms:     perms,
		zones:     zones,
		alerts:    alerts,
		locations: locations,
		hub:       hub,
		wsHandler: websocket.NewHandler(hub),
		feed:      feed,
		metrics:   m,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	r := engine.Group(config.GlobalConfig.APIPrefix)

	// Register Global Singleton DB
	r.Use(middleware.InjectDB(h.db))
	if h.metrics != nil {
		r.Use(h.metrics.GinMiddleware())
	}

	limiterCfg := middleware.RateLimiterConfig{
		Rate:       config.GlobalConfig.RateLimit,
		Identifier: "user",
		SkipPaths:  []string{config.GlobalConfig.APIPrefix + "/system"},
		AddHeaders: true,
	}
	if limit, err := middleware.RateLimiter(limiterCfg); err == nil {
		r.Use(limit)
	} else {
		logger.Warn("rate limiter disabled", zap.Error(err))
	}

	// Register System Module Routes
	h.registerSystemRoutes(r)

	// Register Business Module Routes
	h.registerPermissionRoutes(r)
	h.registerSafeZoneRoutes(r)
	h.registerLocationRoutes(r)
	h.registerAlertRoutes(r)
	h.registerWebSocketRoutes(engine)

	if h.metrics != nil {
		engine.GET("/metrics", metrics.Handler())
	}
}

// Permission Module
func (h *Handlers) registerPermissionRoutes(r *gin.RouterGroup) {
	perm := r.Group("permissions")
	perm.Use(models.AuthRequired)
	{
		perm.POST("/request", h.handlePermissionRequest)

		perm.POST("/:id/respond", h.handlePermissionRespond)

		perm.POST("/:id/revoke", h.handlePermissionRevoke)

		perm.POST("/:id/extend", h.handlePermissionExtend)

		perm.GET("/:id", h.handlePermissionGet)

		perm.GET("/my", h.handlePermissionListMy)

		perm.GET("/pending", h.handlePermissionListPending)

		perm.GET("/active", h.handlePermissionListActive)

		perm.GET("/stats", h.handlePermissionStats)
	}
}

// SafeZone Module
func (h *Handlers) registerSafeZoneRoutes(r *gin.RouterGroup) {
	zone := r.Group("safezones")
	zone.Use(models.AuthRequired)
	{
		zone.POST("", h.handleSafeZoneCreate)

		zone.GET("", h.handleSafeZoneList)

		zone.GET("/:id", h.handleSafeZoneGet)

		zone.PUT("/:id", h.handleSafeZoneUpdate)

		zone.DELETE("/:id", h.handleSafeZoneDelete)
	}
}

// Location Module
func (h *Handlers) registerLocationRoutes(r *gin.RouterGroup) {
	loc := r.Group("locations")
	loc.Use(models.AuthRequired)
	{
		loc.POST("", h.handleLocationIngest)

		loc.GET("/latest", h.handleLocationLatestSelf)

		loc.GET("/history", h.handleLocationHistorySelf)

		loc.GET("/user/:id/latest", h.handleLocationLatest)

		loc.GET("/user/:id/history", h.handleLocationHistory)

		loc.DELETE("/:id", h.handleLocationDelete)

		loc.DELETE("", h.handleLocationDeleteAll)
	}
}

// Alert Module
func (h *Handlers) registerAlertRoutes(r *gin.RouterGroup) {
	alert := r.Group("alerts")
	alert.Use(models.AuthRequired)
	{
		alert.GET("", h.handleAlertList)

		alert.GET("/unread-count", h.handleAlertUnreadCount)

		alert.PUT("/read/:id", h.handleAlertMarkRead)

		alert.POST("/readAll", h.handleAlertMarkAllRead)

		alert.POST("/:id/acknowledge", h.handleAlertAcknowledge)

		alert.GET("/feed", h.handleAlertFeed)
	}
}

func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	system := r.Group("system")
	{
		system.POST("/rate-limiter/config", h.UpdateRateLimiterConfig)

		system.GET("/health", h.HealthCheck)
	}
}

// WebSocket Module 挂在引擎根上，不走 API 前缀
func (h *Handlers) registerWebSocketRoutes(engine *gin.Engine) {
	engine.GET(websocket.RouteWebSocket, middleware.InjectDB(h.db), models.AuthRequired, h.handleWebSocket)
	engine.GET(websocket.RouteWebSocketStats, h.wsHandler.GetStats)
	engine.GET(websocket.RouteWebSocketHealth, h.wsHandler.HealthCheck)
}
