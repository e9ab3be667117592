package models

import "time"

// 告警类型
const (
	AlertTypeEntry   = "entry"
	AlertTypeExit    = "exit"
	AlertTypeStop    = "stop"
	AlertTypeSpeed   = "speed"
	AlertTypeAnomaly = "anomaly"
	AlertTypeBattery = "battery"
	AlertTypeOffline = "offline"
	AlertTypeExpiry  = "expiry"
)

// 严重级别
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert 挂在 Permission 上的告警，由地理围栏引擎或上游异常评分生成。
// 创建后仅接收方翻转已读/已确认标志。
type Alert struct {
	ID           string `gorm:"size:36;primaryKey"`
	PermissionID string `gorm:"size:36;index:idx_alert_perm_read,priority:1"`

	AlertType string `gorm:"size:20;index"`
	Severity  string `gorm:"size:20;default:medium"`

	Title   string `gorm:"size:255"`
	Message string `gorm:"type:text"`

	// 位置/元数据负载，JSON
	Location string `gorm:"type:text"`
	Metadata string `gorm:"type:text"`

	IsRead         bool `gorm:"index:idx_alert_perm_read,priority:2"`
	IsAcknowledged bool

	CreatedAt      time.Time `gorm:"index"`
	ReadAt         *time.Time
	AcknowledgedAt *time.Time
}

// MarkAsRead 置为已读（幂等）
func (a *Alert) MarkAsRead(now time.Time) {
	if !a.IsRead {
		a.IsRead = true
		a.ReadAt = &now
	}
}

// Acknowledge 确认告警（幂等）
func (a *Alert) Acknowledge(now time.Time) {
	if !a.IsAcknowledged {
		a.IsAcknowledged = true
		a.AcknowledgedAt = &now
	}
}
