package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"SafeTrace/internal/models"
	apperrors "SafeTrace/pkg/errors"
	"SafeTrace/pkg/logger"
	"SafeTrace/pkg/util"
)

// PermissionRequest 发起授权申请的参数
type PermissionRequest struct {
	Purpose           string   `json:"purpose"`
	DurationHours     int      `json:"duration_hours"`
	UpdateInterval    int      `json:"update_interval"`
	AllowAIPrediction *bool    `json:"allow_ai_prediction"`
	AllowHeatmap      *bool    `json:"allow_heatmap"`
	SendAlerts        *bool    `json:"send_alerts"`
	SafeZoneIDs       []string `json:"safe_zone_ids"`
}

// PermissionStats 单个用户的授权概览
type PermissionStats struct {
	TotalRequested int64 `json:"total_requested"`
	TotalReceived  int64 `json:"total_received"`
	Active         int64 `json:"active"`
	PendingOnMe    int64 `json:"pending_on_me"`
	UnreadAlerts   int64 `json:"unread_alerts"`
}

// PermissionService 授权生命周期状态机。
// 所有状态变更都经过这里，按权限ID加锁防止请求方与被观察方并发操作互相覆盖。
type PermissionService struct {
	db *gorm.DB
	// 按权限ID串行化状态变更
	permMu *keyedMutex
	// 按有向对串行化创建，保证非终态记录唯一
	pairMu *keyedMutex
}

func NewPermissionService(db *gorm.DB) *PermissionService {
	return &PermissionService{
		db:     db,
		permMu: newKeyedMutex(),
		pairMu: newKeyedMutex(),
	}
}

func pairKey(requesterID, targetID string) string {
	return requesterID + "->" + targetID
}

// Request 创建pending授权申请。
// 同一 (requester, target) 有向对存在非终态记录时拒绝。
func (s *PermissionService) Request(ctx context.Context, requesterID, targetID string, req PermissionRequest) (*models.Permission, error) {
	if requesterID == targetID {
		return nil, apperrors.ErrSelfTarget
	}
	if req.DurationHours < models.MinDurationHours || req.DurationHours > models.MaxDurationHours {
		return nil, apperrors.WithCodef(apperrors.CodeValidation,
			"duration_hours must be between %d and %d", models.MinDurationHours, models.MaxDurationHours).
			WithContext("field", "duration_hours").
			WithContext("value", fmt.Sprintf("%d", req.DurationHours))
	}
	if req.UpdateInterval == 0 {
		req.UpdateInterval = 30
	}
	if req.UpdateInterval < models.MinUpdateInterval || req.UpdateInterval > models.MaxUpdateInterval {
		return nil, apperrors.WithCodef(apperrors.CodeValidation,
			"update_interval must be between %d and %d seconds", models.MinUpdateInterval, models.MaxUpdateInterval).
			WithContext("field", "update_interval")
	}

	var target models.User
	if err := s.db.WithContext(ctx).Where("id = ? AND enabled = ?", targetID, true).First(&target).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("target_id", targetID)
		}
		return nil, apperrors.Wrap(err, "failed to resolve target user")
	}

	// 有向对加锁后查重，配合唯一性查询保证并发下至多一条非终态记录
	unlock := s.pairMu.Lock(pairKey(requesterID, targetID))
	defer unlock()

	var existing int64
	err := s.db.WithContext(ctx).Model(&models.Permission{}).
		Where("requester_id = ? AND target_id = ? AND status IN ?",
			requesterID, targetID,
			[]string{models.PermissionStatusPending, models.PermissionStatusApproved}).
		Count(&existing).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to check existing permissions")
	}
	if existing > 0 {
		return nil, apperrors.ErrDuplicateActiveRequest.
			WithContext("requester_id", requesterID).
			WithContext("target_id", targetID)
	}

	now := time.Now()
	perm := &models.Permission{
		ID:             NewID(),
		RequesterID:    requesterID,
		TargetID:       targetID,
		Status:         models.PermissionStatusPending,
		Purpose:        req.Purpose,
		RequestedAt:    now,
		ExpiresAt:      now.Add(time.Duration(req.DurationHours) * time.Hour),
		UpdateInterval: req.UpdateInterval,
	}
	perm.AllowAIPrediction = req.AllowAIPrediction == nil || *req.AllowAIPrediction
	perm.AllowHeatmap = req.AllowHeatmap == nil || *req.AllowHeatmap
	perm.SendAlerts = req.SendAlerts == nil || *req.SendAlerts
	if len(req.SafeZoneIDs) > 0 {
		raw, _ := json.Marshal(req.SafeZoneIDs)
		perm.SafeZoneIDs = string(raw)
	}

	if err := s.db.WithContext(ctx).Create(perm).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to create permission request")
	}

	logger.Info("permission requested",
		zap.String("permission_id", perm.ID),
		zap.String("requester_id", requesterID),
		zap.String("target_id", targetID))
	util.Sig().Emit(models.SigPermissionRequest, perm)

	return perm, nil
}

// Respond 被观察方批准或拒绝pending请求。
// 请求不存在、已被响应、或响应者不是被观察方，统一返回同一个错误，不泄露存在性。
func (s *PermissionService) Respond(ctx context.Context, permissionID, byUser string, approve bool) (*models.Permission, error) {
	unlock := s.permMu.Lock(permissionID)
	defer unlock()

	var perm models.Permission
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ? AND target_id = ?",
			permissionID, models.PermissionStatusPending, byUser).
		First(&perm).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFoundOrAlreadyResponded.WithContext("permission_id", permissionID)
		}
		return nil, apperrors.Wrap(err, "failed to load permission")
	}

	now := time.Now()
	if approve {
		perm.Approve(now)
	} else {
		perm.Deny(now)
	}

	if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to persist response")
	}

	logger.Info("permission responded",
		zap.String("permission_id", perm.ID),
		zap.Bool("approved", approve))
	return &perm, nil
}

// Revoke 撤销已批准的授权，请求方或被观察方都可以发起。
// 重复撤销返回NotActive，不会崩溃。
func (s *PermissionService) Revoke(ctx context.Context, permissionID, byUser string) (*models.Permission, error) {
	unlock := s.permMu.Lock(permissionID)
	defer unlock()

	var perm models.Permission
	if err := s.db.WithContext(ctx).Where("id = ?", permissionID).First(&perm).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("permission_id", permissionID)
		}
		return nil, apperrors.Wrap(err, "failed to load permission")
	}

	if byUser != perm.RequesterID && byUser != perm.TargetID {
		return nil, apperrors.ErrUnauthorized.WithContext("permission_id", permissionID)
	}

	// 读取时惰性过期
	if perm.CheckExpiry(time.Now()) {
		if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
			return nil, apperrors.Wrap(err, "failed to persist expiry")
		}
	}
	if perm.Status != models.PermissionStatusApproved || !perm.IsActive {
		return nil, apperrors.ErrNotActive.WithContext("status", perm.Status)
	}

	perm.Revoke()
	if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to persist revocation")
	}

	logger.Info("permission revoked",
		zap.String("permission_id", perm.ID),
		zap.String("by_user", byUser))
	return &perm, nil
}

// ExtendExpiry 延长有效期，仅approved状态下有效
func (s *PermissionService) ExtendExpiry(ctx context.Context, permissionID, byUser string, hours int) (*models.Permission, error) {
	if hours < models.MinDurationHours || hours > models.MaxDurationHours {
		return nil, apperrors.WithCodef(apperrors.CodeValidation,
			"hours must be between %d and %d", models.MinDurationHours, models.MaxDurationHours).
			WithContext("field", "hours")
	}

	unlock := s.permMu.Lock(permissionID)
	defer unlock()

	var perm models.Permission
	if err := s.db.WithContext(ctx).Where("id = ?", permissionID).First(&perm).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("permission_id", permissionID)
		}
		return nil, apperrors.Wrap(err, "failed to load permission")
	}
	if byUser != perm.RequesterID && byUser != perm.TargetID {
		return nil, apperrors.ErrUnauthorized.WithContext("permission_id", permissionID)
	}
	if perm.CheckExpiry(time.Now()) {
		if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
			return nil, apperrors.Wrap(err, "failed to persist expiry")
		}
	}
	if perm.Status != models.PermissionStatusApproved {
		return nil, apperrors.ErrNotActive.WithContext("status", perm.Status)
	}

	perm.ExtendExpiry(hours)
	if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to persist extension")
	}
	return &perm, nil
}

// CheckExpiry 对单条授权做惰性过期检查，发生转移时落库
func (s *PermissionService) CheckExpiry(ctx context.Context, permissionID string) (*models.Permission, error) {
	unlock := s.permMu.Lock(permissionID)
	defer unlock()

	var perm models.Permission
	if err := s.db.WithContext(ctx).Where("id = ?", permissionID).First(&perm).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("permission_id", permissionID)
		}
		return nil, apperrors.Wrap(err, "failed to load permission")
	}

	if perm.CheckExpiry(time.Now()) {
		if err := s.db.WithContext(ctx).Save(&perm).Error; err != nil {
			return nil, apperrors.Wrap(err, "failed to persist expiry")
		}
	}
	return &perm, nil
}

// SweepExpired 批量把超时的approved授权转为expired，返回处理条数。
// 周期任务调用，保证is_active的滞后有上界。
func (s *PermissionService) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.Permission{}).
		Where("status = ? AND expires_at < ?", models.PermissionStatusApproved, time.Now()).
		Updates(map[string]interface{}{
			"status":    models.PermissionStatusExpired,
			"is_active": false,
		})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "expiry sweep failed")
	}
	if res.RowsAffected > 0 {
		logger.Info("expiry sweep completed", zap.Int64("expired", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Get 查看单条授权，仅双方可见
func (s *PermissionService) Get(ctx context.Context, permissionID, byUser string) (*models.Permission, error) {
	var perm models.Permission
	if err := s.db.WithContext(ctx).Where("id = ?", permissionID).First(&perm).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("permission_id", permissionID)
		}
		return nil, apperrors.Wrap(err, "failed to load permission")
	}
	if byUser != perm.RequesterID && byUser != perm.TargetID {
		return nil, apperrors.ErrNotFound.WithContext("permission_id", permissionID)
	}
	if perm.CheckExpiry(time.Now()) {
		_ = s.db.WithContext(ctx).Save(&perm).Error
	}
	return &perm, nil
}

// ListMy 我发起的全部申请
func (s *PermissionService) ListMy(ctx context.Context, userID string) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("requester_id = ?", userID).
		Order("requested_at DESC").
		Find(&perms).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list permissions")
	}
	return perms, nil
}

// ListPending 等待我响应的申请
func (s *PermissionService) ListPending(ctx context.Context, userID string) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("target_id = ? AND status = ?", userID, models.PermissionStatusPending).
		Order("requested_at DESC").
		Find(&perms).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list pending permissions")
	}
	return perms, nil
}

// ListActive 我参与的当前有效授权（双向）
func (s *PermissionService) ListActive(ctx context.Context, userID string) ([]models.Permission, error) {
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("(requester_id = ? OR target_id = ?) AND status = ? AND is_active = ? AND expires_at > ?",
			userID, userID, models.PermissionStatusApproved, true, time.Now()).
		Order("expires_at ASC").
		Find(&perms).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list active permissions")
	}
	return perms, nil
}

// ListExpiringSoon 即将到期的有效授权，供到期提醒任务使用
func (s *PermissionService) ListExpiringSoon(ctx context.Context, within time.Duration) ([]models.Permission, error) {
	now := time.Now()
	var perms []models.Permission
	err := s.db.WithContext(ctx).
		Where("status = ? AND is_active = ? AND expires_at > ? AND expires_at <= ?",
			models.PermissionStatusApproved, true, now, now.Add(within)).
		Find(&perms).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list expiring permissions")
	}
	return perms, nil
}

// Stats 用户的授权/告警概览
func (s *PermissionService) Stats(ctx context.Context, userID string) (*PermissionStats, error) {
	stats := &PermissionStats{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.Permission{}).
		Where("requester_id = ?", userID).Count(&stats.TotalRequested).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to compute stats")
	}
	if err := db.Model(&models.Permission{}).
		Where("target_id = ?", userID).Count(&stats.TotalReceived).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to compute stats")
	}
	if err := db.Model(&models.Permission{}).
		Where("(requester_id = ? OR target_id = ?) AND status = ? AND is_active = ? AND expires_at > ?",
			userID, userID, models.PermissionStatusApproved, true, time.Now()).
		Count(&stats.Active).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to compute stats")
	}
	if err := db.Model(&models.Permission{}).
		Where("target_id = ? AND status = ?", userID, models.PermissionStatusPending).
		Count(&stats.PendingOnMe).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to compute stats")
	}
	if err := db.Model(&models.Alert{}).
		Joins("JOIN permissions ON permissions.id = alerts.permission_id").
		Where("permissions.requester_id = ? AND alerts.is_read = ?", userID, false).
		Count(&stats.UnreadAlerts).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to compute stats")
	}

	return stats, nil
}

// IsValidBetween 判定observer此刻是否有权接收target的位置流。
// 每次投递前调用，结果不缓存；读取时顺带惰性过期。
func (s *PermissionService) IsValidBetween(observerID, targetID string) bool {
	var perm models.Permission
	err := s.db.
		Where("requester_id = ? AND target_id = ? AND status = ? AND is_active = ?",
			observerID, targetID, models.PermissionStatusApproved, true).
		First(&perm).Error
	if err != nil {
		return false
	}
	if perm.CheckExpiry(time.Now()) {
		_ = s.db.Save(&perm).Error
		return false
	}
	return perm.IsValid()
}

// ActiveWatchers 当前有效地观察着ownerID并开启告警的授权
func (s *PermissionService) ActiveWatchers(ctx context.Context, ownerID string, alertsOnly bool) ([]models.Permission, error) {
	q := s.db.WithContext(ctx).
		Where("target_id = ? AND status = ? AND is_active = ? AND expires_at > ?",
			ownerID, models.PermissionStatusApproved, true, time.Now())
	if alertsOnly {
		q = q.Where("send_alerts = ?", true)
	}
	var perms []models.Permission
	if err := q.Find(&perms).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to list watchers")
	}
	return perms, nil
}

// ActiveTargets 当前被至少一条开启告警的有效授权观察着的用户ID
func (s *PermissionService) ActiveTargets(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Permission{}).
		Where("status = ? AND is_active = ? AND expires_at > ? AND send_alerts = ?",
			models.PermissionStatusApproved, true, time.Now(), true).
		Distinct("target_id").
		Pluck("target_id", &ids).Error
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list active targets")
	}
	return ids, nil
}

// HubAuthorizer 把授权谓词适配到实时通道
type HubAuthorizer struct {
	Perms *PermissionService
}

func (a *HubAuthorizer) CanObserve(observerID, targetID string) bool {
	return a.Perms.IsValidBetween(observerID, targetID)
}
