package service

import (
	"context"
	"time"

	"gorm.io/gorm"

	"SafeTrace/internal/models"
	apperrors "SafeTrace/pkg/errors"
)

// AlertService 告警查询与已读/确认翻转。
// 告警属于授权的请求方（观察者）；创建只发生在摄入管线和周期任务里。
type AlertService struct {
	db *gorm.DB
}

func NewAlertService(db *gorm.DB) *AlertService {
	return &AlertService{db: db}
}

// List 观察者名下的告警，倒序分页；unreadOnly只看未读
func (s *AlertService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Alert, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.Alert{}).
		Joins("JOIN permissions ON permissions.id = alerts.permission_id").
		Where("permissions.requester_id = ?", userID)
	if unreadOnly {
		q = q.Where("alerts.is_read = ?", false)
	}

	var alerts []models.Alert
	if err := q.Order("alerts.created_at DESC").Limit(limit).Find(&alerts).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to list alerts")
	}
	return alerts, nil
}

// UnreadCount 未读告警数
func (s *AlertService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Alert{}).
		Joins("JOIN permissions ON permissions.id = alerts.permission_id").
		Where("permissions.requester_id = ? AND alerts.is_read = ?", userID, false).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to count unread alerts")
	}
	return count, nil
}

// getOwned 取告警并校验userID是接收方；他人的告警按不存在处理
func (s *AlertService) getOwned(ctx context.Context, userID, alertID string) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.WithContext(ctx).Model(&models.Alert{}).
		Joins("JOIN permissions ON permissions.id = alerts.permission_id").
		Where("alerts.id = ? AND permissions.requester_id = ?", alertID, userID).
		First(&alert).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.ErrNotFound.WithContext("alert_id", alertID)
		}
		return nil, apperrors.Wrap(err, "failed to load alert")
	}
	return &alert, nil
}

// MarkRead 置为已读，幂等
func (s *AlertService) MarkRead(ctx context.Context, userID, alertID string) (*models.Alert, error) {
	alert, err := s.getOwned(ctx, userID, alertID)
	if err != nil {
		return nil, err
	}
	alert.MarkAsRead(time.Now())
	if err := s.db.WithContext(ctx).Save(alert).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to mark alert read")
	}
	return alert, nil
}

// MarkAllRead 全部置为已读，返回翻转条数
func (s *AlertService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("is_read = ? AND permission_id IN (?)", false,
			s.db.Model(&models.Permission{}).Select("id").Where("requester_id = ?", userID)).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		return 0, apperrors.Wrap(res.Error, "failed to mark alerts read")
	}
	return res.RowsAffected, nil
}

// Acknowledge 确认告警，幂等
func (s *AlertService) Acknowledge(ctx context.Context, userID, alertID string) (*models.Alert, error) {
	alert, err := s.getOwned(ctx, userID, alertID)
	if err != nil {
		return nil, err
	}
	alert.Acknowledge(time.Now())
	if err := s.db.WithContext(ctx).Save(alert).Error; err != nil {
		return nil, apperrors.Wrap(err, "failed to acknowledge alert")
	}
	return alert, nil
}
