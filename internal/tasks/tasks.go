package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"SafeTrace/internal/service"
	"SafeTrace/pkg/backup"
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/metrics"
	"SafeTrace/pkg/scheduler"
)

// Config 周期任务参数
type Config struct {
	// 过期扫描的cron表达式，默认每小时
	SweepSchedule string
	// 位置样本保留天数
	RetentionDays int
	// 超过该分钟数无上报视为离线
	OfflineThresholdMin int
	// 到期前多少小时发提醒
	ExpiryReminderHours int
	// 数据库备份
	BackupEnabled  bool
	BackupSchedule string
}

// Register 挂载全部周期任务：
// 过期扫描、保留期淘汰、离线检测、到期提醒。
func Register(cr *scheduler.Cron, perms *service.PermissionService, ingest *service.IngestService, m *metrics.Metrics, cfg Config) error {
	sweep := cfg.SweepSchedule
	if sweep == "" {
		sweep = "@every 1h"
	}

	// 兜底的周期过期扫描，保证is_active滞后有上界
	if _, err := cr.AddWithCtx(sweep, func(ctx context.Context) {
		n, err := perms.SweepExpired(ctx)
		if err != nil {
			logger.Error("expiry sweep failed", zap.Error(err))
			return
		}
		if m != nil {
			for i := int64(0); i < n; i++ {
				m.IncExpired()
			}
		}
	}); err != nil {
		return err
	}

	// 保留期淘汰，每天凌晨
	if cfg.RetentionDays > 0 {
		if _, err := cr.AddWithCtx("0 3 * * *", func(ctx context.Context) {
			n, err := ingest.PurgeOlderThan(ctx, cfg.RetentionDays)
			if err != nil {
				logger.Error("retention purge failed", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("retention purge completed", zap.Int64("deleted", n))
			}
		}); err != nil {
			return err
		}
	}

	// 离线检测
	if cfg.OfflineThresholdMin > 0 {
		threshold := time.Duration(cfg.OfflineThresholdMin) * time.Minute
		if _, err := cr.AddWithCtx("@every 5m", func(ctx context.Context) {
			detectOffline(ctx, perms, ingest, threshold)
		}); err != nil {
			return err
		}
	}

	// 到期提醒
	if cfg.ExpiryReminderHours > 0 {
		within := time.Duration(cfg.ExpiryReminderHours) * time.Hour
		if _, err := cr.AddWithCtx("@every 1h", func(ctx context.Context) {
			remindExpiring(ctx, perms, ingest, within)
		}); err != nil {
			return err
		}
	}

	// 数据库备份
	if cfg.BackupSchedule != "" && cfg.BackupEnabled {
		if _, err := cr.AddWithCtx(cfg.BackupSchedule, func(ctx context.Context) {
			dst, err := backup.Execute()
			if err != nil {
				logger.Error("database backup failed", zap.Error(err))
				return
			}
			logger.Info("database backup completed", zap.String("path", dst))
		}); err != nil {
			return err
		}
	}

	return nil
}

// detectOffline 对每个被观察且开启告警的用户检查最近上报时间
func detectOffline(ctx context.Context, perms *service.PermissionService, ingest *service.IngestService, threshold time.Duration) {
	targets, err := perms.ActiveTargets(ctx)
	if err != nil {
		logger.Error("offline detection failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, targetID := range targets {
		lastSeen, err := ingest.LastSeen(ctx, targetID)
		if err != nil {
			logger.Warn("offline check skipped", zap.String("user_id", targetID), zap.Error(err))
			continue
		}
		if lastSeen != nil && now.Sub(*lastSeen) < threshold {
			continue
		}

		watchers, err := perms.ActiveWatchers(ctx, targetID, true)
		if err != nil {
			continue
		}
		for i := range watchers {
			ingest.CreateOfflineAlert(ctx, &watchers[i], lastSeen)
		}
	}
}

// remindExpiring 给即将到期的授权双方中的观察者挂提醒告警
func remindExpiring(ctx context.Context, perms *service.PermissionService, ingest *service.IngestService, within time.Duration) {
	expiring, err := perms.ListExpiringSoon(ctx, within)
	if err != nil {
		logger.Error("expiry reminder failed", zap.Error(err))
		return
	}
	for i := range expiring {
		ingest.CreateExpiryAlert(ctx, &expiring[i])
	}
}
