package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	handlers "SafeTrace/internal/handler"
	"SafeTrace/internal/listeners"
	"SafeTrace/internal/models"
	"SafeTrace/internal/service"
	"SafeTrace/internal/tasks"
	"SafeTrace/pkg/anomaly"
	"SafeTrace/pkg/cache"
	"SafeTrace/pkg/config"
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/metrics"
	"SafeTrace/pkg/notification"
	"SafeTrace/pkg/scheduler"
	"SafeTrace/pkg/sse"
	"SafeTrace/pkg/util"
	"SafeTrace/pkg/websocket"
)

func main() {
	if err := config.Load(); err != nil {
		panic(err)
	}
	cfg := config.GlobalConfig
	logger.Init(cfg.Log)
	defer logger.Sync()

	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := util.InitDatabase(cfg.DBDriver, cfg.DSN)
	if err != nil {
		logger.Fatal("init database failed", zap.Error(err))
	}
	defer func() { _ = util.CloseDatabase(db) }()

	if err := models.Migrate(db); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}

	store, err := cache.NewCache(cache.Config{
		Type: cfg.CacheType,
		Redis: cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Local: cache.DefaultLocalConfig(),
	})
	if err != nil {
		logger.Fatal("init cache failed", zap.Error(err))
	}
	defer func() { _ = store.Close() }()

	m := metrics.New()

	// 服务层
	engine, err := service.NewGeofenceEngine(0)
	if err != nil {
		logger.Fatal("init geofence engine failed", zap.Error(err))
	}
	perms := service.NewPermissionService(db)
	zones := service.NewSafeZoneService(db, engine)
	alerts := service.NewAlertService(db)
	ingest := service.NewIngestService(db, engine, perms, service.IngestConfig{
		LowBatteryLevel:  cfg.LowBatteryLevel,
		SpeedLimitKmh:    cfg.SpeedLimitKmh,
		AnomalyThreshold: cfg.AnomalyThreshold,
	})
	ingest.SetCache(store)
	ingest.SetMetrics(m)
	if scorer := anomaly.NewClient(cfg.AnomalyScorerURL); scorer != nil {
		ingest.SetScorer(scorer)
	}

	// WebSocket 集线器：订阅与每次投递都回到授权服务校验
	wsCfg := websocket.LoadConfigFromEnv()
	if err := websocket.ValidateConfig(wsCfg); err != nil {
		logger.Fatal("invalid websocket config", zap.Error(err))
	}
	hub := websocket.NewHub(wsCfg)
	hub.SetAuthorizer(&service.HubAuthorizer{Perms: perms})
	hub.SetSink(ingest)
	hub.SetRecorder(m)
	ingest.SetPublisher(hub)
	defer hub.Close()

	feed := sse.NewHub(30 * time.Second)
	dispatcher := &notification.LogDispatcher{}
	listeners.InitAlertListeners(hub, feed, dispatcher)
	listeners.InitPermissionListeners(feed, dispatcher)

	cr := scheduler.NewCron(time.Local)
	if err := tasks.Register(cr, perms, ingest, m, tasks.Config{
		SweepSchedule:       cfg.SweepSchedule,
		RetentionDays:       cfg.LocationRetentionDays,
		OfflineThresholdMin: cfg.OfflineThresholdMin,
		ExpiryReminderHours: cfg.ExpiryReminderHours,
		BackupEnabled:       cfg.BackupPath != "",
		BackupSchedule:      cfg.BackupSchedule,
	}); err != nil {
		logger.Fatal("register tasks failed", zap.Error(err))
	}
	cr.Start()
	defer cr.Stop()

	router := gin.New()
	router.Use(gin.Recovery())
	h := handlers.NewHandlers(db, perms, zones, alerts, ingest, hub, feed, m)
	h.Register(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
