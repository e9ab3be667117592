package models

import (
	"time"
)

// Permission status lifecycle:
// pending -> approved | denied; approved -> expired | revoked.
// denied/expired/revoked are terminal.
const (
	PermissionStatusPending  = "pending"
	PermissionStatusApproved = "approved"
	PermissionStatusDenied   = "denied"
	PermissionStatusExpired  = "expired"
	PermissionStatusRevoked  = "revoked"
)

// 请求参数边界
const (
	MinDurationHours  = 1
	MaxDurationHours  = 168
	MinUpdateInterval = 10  // 秒
	MaxUpdateInterval = 300 // 秒
)

// Permission 位置追踪授权：requester 观察 target 的有向对。
// 每个 (requester, target) 有向对同一时刻至多一条非终态记录。
type Permission struct {
	ID string `gorm:"size:36;primaryKey"`

	// 请求方（想要观察位置的人）
	RequesterID string `gorm:"size:36;index:idx_perm_requester_status"`
	// 被观察方
	TargetID string `gorm:"size:36;index:idx_perm_target_status"`

	Status string `gorm:"size:20;index:idx_perm_requester_status;index:idx_perm_target_status"`

	// 申请理由
	Purpose string `gorm:"type:text"`

	RequestedAt time.Time
	RespondedAt *time.Time
	ExpiresAt   time.Time `gorm:"index"`

	// 位置上报间隔（秒），[10,300]
	UpdateInterval int `gorm:"default:30"`

	// 能力开关由服务层显式赋值；不挂DB默认，
	// 否则gorm对零值false省略赋值，false写不进去
	AllowAIPrediction bool
	AllowHeatmap      bool
	SendAlerts        bool

	// 关联安全区ID列表，JSON数组
	SafeZoneIDs string `gorm:"type:text"`

	// 派生门控：approved 且未撤销/过期时为 true
	IsActive bool `gorm:"index"`

	UpdatedAt time.Time
}

// IsTerminal reports whether no further transitions are possible
func (p *Permission) IsTerminal() bool {
	switch p.Status {
	case PermissionStatusDenied, PermissionStatusExpired, PermissionStatusRevoked:
		return true
	}
	return false
}

// IsValid is the authorization predicate consulted before every delivery,
// never cached from subscribe time.
func (p *Permission) IsValid() bool {
	return p.IsValidAt(time.Now())
}

// IsValidAt 纯谓词：approved ∧ is_active ∧ 未过期
func (p *Permission) IsValidAt(now time.Time) bool {
	return p.Status == PermissionStatusApproved && p.IsActive && p.ExpiresAt.After(now)
}

// Approve 批准请求
func (p *Permission) Approve(now time.Time) {
	p.Status = PermissionStatusApproved
	p.IsActive = true
	p.RespondedAt = &now
}

// Deny 拒绝请求
func (p *Permission) Deny(now time.Time) {
	p.Status = PermissionStatusDenied
	p.IsActive = false
	p.RespondedAt = &now
}

// Revoke 撤销已批准的授权
func (p *Permission) Revoke() {
	p.Status = PermissionStatusRevoked
	p.IsActive = false
}

// Expire 标记为过期
func (p *Permission) Expire() {
	p.Status = PermissionStatusExpired
	p.IsActive = false
}

// ExtendExpiry pushes expires_at forward; valid only while approved
func (p *Permission) ExtendExpiry(hours int) {
	p.ExpiresAt = p.ExpiresAt.Add(time.Duration(hours) * time.Hour)
}

// CheckExpiry transitions approved -> expired when past expires_at.
// Returns true when a transition happened (caller persists).
func (p *Permission) CheckExpiry(now time.Time) bool {
	if p.Status == PermissionStatusApproved && p.ExpiresAt.Before(now) {
		p.Expire()
		return true
	}
	return false
}
