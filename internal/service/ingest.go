package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"SafeTrace/internal/models"
	"SafeTrace/pkg/anomaly"
	"SafeTrace/pkg/cache"
	apperrors "SafeTrace/pkg/errors"
	"SafeTrace/pkg/geo"
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/metrics"
	"SafeTrace/pkg/util"
)

// 持久化重试次数与基础退避
const (
	storeAttempts     = 3
	storeRetryBackoff = 50 * time.Millisecond
)

const latestLocationTTL = 10 * time.Minute

// RawSample 实时通道/HTTP上行的位置负载
type RawSample struct {
	Latitude     float64    `json:"latitude"`
	Longitude    float64    `json:"longitude"`
	Accuracy     float64    `json:"accuracy"`
	Altitude     *float64   `json:"altitude,omitempty"`
	Speed        *float64   `json:"speed,omitempty"`
	Heading      *float64   `json:"heading,omitempty"`
	BatteryLevel *int       `json:"battery_level,omitempty"`
	IsMoving     *bool      `json:"is_moving,omitempty"`
	ActivityType string     `json:"activity_type,omitempty"`
	Timestamp    *time.Time `json:"timestamp,omitempty"`
}

// LocationUpdate 广播给订阅者的消息
type LocationUpdate struct {
	Type      string  `json:"type"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	UserID    string  `json:"user_id"`
	Timestamp int64   `json:"timestamp"`
}

// IngestConfig 告警阈值
type IngestConfig struct {
	// 低电量告警阈值（百分比）
	LowBatteryLevel int
	// 超速告警阈值（km/h）
	SpeedLimitKmh float64
	// 异常分告警阈值
	AnomalyThreshold float64
}

// IngestService 位置摄入管线：校验 → 持久化 → 围栏评估 → 告警 → 广播。
// LocationSample 和 Alert 只有这条管线写入。
// 同一owner的摄入严格串行，保证围栏转移状态不乱序。
type IngestService struct {
	db        *gorm.DB
	engine    *GeofenceEngine
	perms     *PermissionService
	publisher Publisher
	cache     cache.Cache
	scorer    *anomaly.Client
	metrics   *metrics.Metrics
	cfg       IngestConfig

	// 按owner串行化摄入
	ownerMu *keyedMutex
}

func NewIngestService(db *gorm.DB, engine *GeofenceEngine, perms *PermissionService, cfg IngestConfig) *IngestService {
	return &IngestService{
		db:      db,
		engine:  engine,
		perms:   perms,
		cfg:     cfg,
		ownerMu: newKeyedMutex(),
	}
}

// SetPublisher 接入实时广播
func (s *IngestService) SetPublisher(p Publisher) { s.publisher = p }

// SetCache 接入最新位置缓存
func (s *IngestService) SetCache(c cache.Cache) { s.cache = c }

// SetScorer 接入外部异常评分
func (s *IngestService) SetScorer(sc *anomaly.Client) { s.scorer = sc }

// SetMetrics 接入指标
func (s *IngestService) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// IngestRaw 实时通道入口：解析负载后走Ingest
func (s *IngestService) IngestRaw(ctx context.Context, ownerID string, payload json.RawMessage) error {
	var raw RawSample
	if err := json.Unmarshal(payload, &raw); err != nil {
		return apperrors.ErrInvalidSample.WithContext("cause", "malformed payload")
	}
	_, err := s.Ingest(ctx, ownerID, raw)
	return err
}

// Ingest 处理一次位置上报。
// 样本要么持久化成功并广播，要么整体失败，订阅者不会看到未落库的样本。
func (s *IngestService) Ingest(ctx context.Context, ownerID string, raw RawSample) (*models.LocationSample, error) {
	unlock := s.ownerMu.Lock(ownerID)
	defer unlock()

	started := time.Now()

	sample, err := s.validate(ownerID, raw)
	if err != nil {
		s.observe("invalid", started)
		return nil, err
	}

	if err := s.persist(ctx, sample); err != nil {
		s.observe("store_error", started)
		return nil, err
	}

	// 围栏评估 + 告警。告警失败不回滚样本，只记日志。
	events := s.evaluateZones(ctx, sample)
	s.raiseAlerts(ctx, sample, events)

	// 持久化成功后才广播
	if s.publisher != nil {
		s.publisher.PublishLocation(ownerID, LocationUpdate{
			Type:      "location_update",
			Latitude:  sample.Latitude,
			Longitude: sample.Longitude,
			Accuracy:  sample.Accuracy,
			UserID:    ownerID,
			Timestamp: sample.Timestamp.Unix(),
		})
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, latestLocationKey(ownerID), sample, latestLocationTTL)
	}

	s.observe("ok", started)
	return sample, nil
}

func (s *IngestService) validate(ownerID string, raw RawSample) (*models.LocationSample, error) {
	if !geo.ValidCoordinates(raw.Latitude, raw.Longitude) {
		return nil, apperrors.ErrInvalidSample.
			WithContext("field", "coordinates").
			WithContext("value", fmt.Sprintf("%.6f,%.6f", raw.Latitude, raw.Longitude))
	}
	if raw.Accuracy < 0 {
		return nil, apperrors.ErrInvalidSample.WithContext("field", "accuracy")
	}
	if raw.BatteryLevel != nil && (*raw.BatteryLevel < 0 || *raw.BatteryLevel > 100) {
		return nil, apperrors.ErrInvalidSample.WithContext("field", "battery_level")
	}

	ts := time.Now()
	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		ts = *raw.Timestamp
	}

	sample := &models.LocationSample{
		ID:           NewID(),
		UserID:       ownerID,
		Latitude:     raw.Latitude,
		Longitude:    raw.Longitude,
		Accuracy:     raw.Accuracy,
		Altitude:     raw.Altitude,
		Speed:        raw.Speed,
		Heading:      raw.Heading,
		BatteryLevel: raw.BatteryLevel,
		IsMoving:     raw.IsMoving == nil || *raw.IsMoving,
		ActivityType: raw.ActivityType,
		Timestamp:    ts,
	}
	return sample, nil
}

// persist 有界退避重试后仍失败则整体判摄入失败
func (s *IngestService) persist(ctx context.Context, sample *models.LocationSample) error {
	var lastErr error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(storeRetryBackoff << uint(attempt-1))
		}
		if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
			lastErr = err
			logger.Warn("location sample write failed",
				zap.String("user_id", sample.UserID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		return nil
	}
	return apperrors.ErrIngestFailed.
		WithContext("user_id", sample.UserID).
		WithContext("cause", lastErr.Error())
}

func (s *IngestService) evaluateZones(ctx context.Context, sample *models.LocationSample) []ZoneEvent {
	var zones []models.SafeZone
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", sample.UserID, true).
		Find(&zones).Error
	if err != nil {
		logger.Error("failed to load safe zones", zap.String("user_id", sample.UserID), zap.Error(err))
		return nil
	}
	return s.engine.Evaluate(sample, zones)
}

// raiseAlerts 把围栏事件和电量/速度/异常状况转成告警，
// 挂到每条 approved∧active∧send_alerts 且目标为owner的授权上。
func (s *IngestService) raiseAlerts(ctx context.Context, sample *models.LocationSample, events []ZoneEvent) {
	watchers, err := s.perms.ActiveWatchers(ctx, sample.UserID, true)
	if err != nil {
		logger.Error("failed to load watchers", zap.String("user_id", sample.UserID), zap.Error(err))
		return
	}
	if len(watchers) == 0 {
		return
	}

	location, _ := json.Marshal(map[string]float64{
		"latitude":  sample.Latitude,
		"longitude": sample.Longitude,
	})

	for _, ev := range events {
		title := fmt.Sprintf("进入安全区 %s", ev.Zone.Name)
		alertType := models.AlertTypeEntry
		if ev.EventType == ZoneEventExit {
			title = fmt.Sprintf("离开安全区 %s", ev.Zone.Name)
			alertType = models.AlertTypeExit
		}
		meta, _ := json.Marshal(map[string]string{"zone_id": ev.Zone.ID, "zone_name": ev.Zone.Name})
		for _, perm := range watchers {
			s.createAlert(ctx, &perm, alertType, models.SeverityMedium, title, title, string(location), string(meta))
		}
	}

	// 低电量告警，冷却窗口内不重复
	if sample.BatteryLevel != nil && *sample.BatteryLevel <= s.cfg.LowBatteryLevel {
		if s.cooldownPassed(ctx, "battery", sample.UserID) {
			msg := fmt.Sprintf("电量低至 %d%%", *sample.BatteryLevel)
			for _, perm := range watchers {
				s.createAlert(ctx, &perm, models.AlertTypeBattery, models.SeverityHigh, "低电量", msg, string(location), "")
			}
		}
	}

	// 超速告警
	if sample.Speed != nil && s.cfg.SpeedLimitKmh > 0 && *sample.Speed > s.cfg.SpeedLimitKmh {
		if s.cooldownPassed(ctx, "speed", sample.UserID) {
			msg := fmt.Sprintf("速度 %.1f km/h 超过阈值 %.1f km/h", *sample.Speed, s.cfg.SpeedLimitKmh)
			for _, perm := range watchers {
				s.createAlert(ctx, &perm, models.AlertTypeSpeed, models.SeverityHigh, "超速", msg, string(location), "")
			}
		}
	}

	// 外部异常评分，分数越限时挂anomaly告警
	if s.scorer != nil {
		score, err := s.scorer.Score(ctx, anomaly.Sample{
			UserID:       sample.UserID,
			Latitude:     sample.Latitude,
			Longitude:    sample.Longitude,
			Speed:        sample.Speed,
			ActivityType: sample.ActivityType,
			Timestamp:    sample.Timestamp,
		})
		if err != nil {
			logger.Warn("anomaly scoring failed", zap.String("user_id", sample.UserID), zap.Error(err))
		} else if score >= s.cfg.AnomalyThreshold {
			meta, _ := json.Marshal(map[string]float64{"score": score})
			msg := fmt.Sprintf("移动模式异常，评分 %.2f", score)
			for _, perm := range watchers {
				if !perm.AllowAIPrediction {
					continue
				}
				s.createAlert(ctx, &perm, models.AlertTypeAnomaly, models.SeverityCritical, "异常行为", msg, string(location), string(meta))
			}
		}
	}
}

// cooldownPassed 借缓存做告警冷却，命中说明窗口内已告过
func (s *IngestService) cooldownPassed(ctx context.Context, kind, ownerID string) bool {
	if s.cache == nil {
		return true
	}
	key := "alert:cooldown:" + kind + ":" + ownerID
	if s.cache.Exists(ctx, key) {
		return false
	}
	_ = s.cache.Set(ctx, key, true, time.Hour)
	return true
}

func (s *IngestService) createAlert(ctx context.Context, perm *models.Permission, alertType, severity, title, message, location, metadata string) {
	alert := &models.Alert{
		ID:           NewID(),
		PermissionID: perm.ID,
		AlertType:    alertType,
		Severity:     severity,
		Title:        title,
		Message:      message,
		Location:     location,
		Metadata:     metadata,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(alert).Error; err != nil {
		logger.Error("failed to create alert",
			zap.String("permission_id", perm.ID),
			zap.String("type", alertType),
			zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.IncAlert(alertType)
	}
	util.Sig().Emit(models.SigAlertCreate, alert, perm)
}

func (s *IngestService) observe(result string, started time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveIngest(result, time.Since(started).Seconds())
	}
}

func latestLocationKey(ownerID string) string {
	return "location:latest:" + ownerID
}

// canView 自己或持有有效授权的观察者可以查看
func (s *IngestService) canView(viewerID, ownerID string) bool {
	return viewerID == ownerID || s.perms.IsValidBetween(viewerID, ownerID)
}

// Latest 最新位置，先查缓存
func (s *IngestService) Latest(ctx context.Context, viewerID, ownerID string) (*models.LocationSample, error) {
	if !s.canView(viewerID, ownerID) {
		return nil, apperrors.ErrUnauthorized.WithContext("target_id", ownerID)
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, latestLocationKey(ownerID)); ok {
			if sample, ok := v.(*models.LocationSample); ok {
				return sample, nil
			}
		}
	}

	var sample models.LocationSample
	err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("timestamp DESC").
		First(&sample).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("target_id", ownerID)
		}
		return nil, apperrors.Wrap(err, "failed to load latest location")
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, latestLocationKey(ownerID), &sample, latestLocationTTL)
	}
	return &sample, nil
}

// History 位置历史，倒序分页
func (s *IngestService) History(ctx context.Context, viewerID, ownerID string, since *time.Time, limit int) ([]models.LocationSample, error) {
	if !s.canView(viewerID, ownerID) {
		return nil, apperrors.ErrUnauthorized.WithContext("target_id", ownerID)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := s.db.WithContext(ctx).Where("user_id = ?", ownerID)
	if since != nil {
		q = q.Where("timestamp >= ?", *since)
	}

	var samples []models.LocationSample
	if err := q.Order("timestamp DESC").Limit(limit).Find(&samples).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to load location history")
	}
	return samples, nil
}

// DeleteSample 所有者删除单条样本
func (s *IngestService) DeleteSample(ctx context.Context, ownerID, sampleID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sampleID, ownerID).
		Delete(&models.LocationSample{})
	if res.Error != nil {
		return apperrors.Wrap(res.Error, "failed to delete location sample")
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrNotFound.WithContext("sample_id", sampleID)
	}
	return nil
}

// DeleteAll 所有者清空全部位置历史
func (s *IngestService) DeleteAll(ctx context.Context, ownerID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Delete(&models.LocationSample{})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "failed to purge location history")
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, latestLocationKey(ownerID))
	}
	return res.RowsAffected, nil
}

// PurgeOlderThan 保留期淘汰，周期任务调用
func (s *IngestService) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&models.LocationSample{})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "retention purge failed")
	}
	return res.RowsAffected, nil
}

// LastSeen owner最近一次上报时间，离线检测任务使用
func (s *IngestService) LastSeen(ctx context.Context, ownerID string) (*time.Time, error) {
	var sample models.LocationSample
	err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("timestamp DESC").
		First(&sample).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, apperrors.Wrap(err, "failed to load last sample")
	}
	return &sample.Timestamp, nil
}

// CreateOfflineAlert 离线检测任务发现超时后创建offline告警
func (s *IngestService) CreateOfflineAlert(ctx context.Context, perm *models.Permission, lastSeen *time.Time) {
	msg := "长时间未收到位置上报"
	meta := ""
	if lastSeen != nil {
		msg = fmt.Sprintf("自 %s 起未收到位置上报", lastSeen.Format(time.RFC3339))
		raw, _ := json.Marshal(map[string]string{"last_seen": lastSeen.Format(time.RFC3339)})
		meta = string(raw)
	}
	if s.cooldownPassed(ctx, "offline:"+perm.ID, perm.TargetID) {
		s.createAlert(ctx, perm, models.AlertTypeOffline, models.SeverityHigh, "设备离线", msg, "", meta)
	}
}

// CreateExpiryAlert 到期提醒任务调用
func (s *IngestService) CreateExpiryAlert(ctx context.Context, perm *models.Permission) {
	if s.cooldownPassed(ctx, "expiry:"+perm.ID, perm.TargetID) {
		msg := fmt.Sprintf("授权将于 %s 到期", perm.ExpiresAt.Format(time.RFC3339))
		s.createAlert(ctx, perm, models.AlertTypeExpiry, models.SeverityLow, "授权即将到期", msg, "", "")
	}
}
